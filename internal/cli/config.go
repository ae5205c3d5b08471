package cli

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// projectConfigFiles is the search order for project config files
var projectConfigFiles = []string{"contrascan.toml", ".contrascan.toml"}

// ProjectConfig is the project-level TOML configuration
type ProjectConfig struct {
	Server       string `toml:"server"`
	FailOn       string `toml:"fail_on,omitempty"`
	HistoryLimit int    `toml:"history_limit,omitempty"`
}

func createConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	cmd.AddCommand(createConfigInitCmd())
	cmd.AddCommand(createConfigShowCmd())

	return cmd
}

func createConfigInitCmd() *cobra.Command {
	var serverURL string
	var failOn string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create config file",
		Long: `Create a contrascan.toml configuration file in the current directory.

EXAMPLES:
  # Create config with default server
  contrascan config init

  # Create config for a shared server that fails CI on high issues
  contrascan config init --server https://contrascan.example.com --fail-on high

  # Overwrite existing config
  contrascan config init --force
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(serverURL, failOn, force)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", DefaultServer, "server URL")
	cmd.Flags().StringVar(&failOn, "fail-on", "", "default --fail-on severity for analyze")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")

	return cmd
}

func createConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current config",
		Long: `Display every configuration source and the effective settings.

EXAMPLES:
  contrascan config show
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow()
		},
	}
}

func runConfigInit(serverURL, failOn string, force bool) error {
	configPath := projectConfigFiles[0]

	for _, name := range projectConfigFiles {
		if _, err := os.Stat(name); err == nil && !force {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", name)
		}
	}
	if err := validateFailOn(failOn); err != nil {
		return err
	}

	failOnLine := `# fail_on = "high"`
	if failOn != "" {
		failOnLine = fmt.Sprintf("fail_on = %q", failOn)
	}

	content := fmt.Sprintf(`# Contrascan project configuration

server = %q

# Exit non-zero from 'contrascan analyze' when the report has an issue at or
# above this severity: high, medium, low or info
%s

# Default number of entries for 'contrascan history'
# history_limit = 20
`, serverURL, failOnLine)

	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Created %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Edit %s to customize settings\n", configPath)
	fmt.Println("  2. Run 'contrascan auth login' if the server requires API keys")
	fmt.Println("  3. Run 'contrascan analyze <address>'")

	return nil
}

func runConfigShow() error {
	fmt.Println("Configuration sources (in order of precedence):")
	fmt.Println()

	fmt.Println("1. Command line flags")
	fmt.Println("   --server, --api-key, --config")
	fmt.Println()

	fmt.Println("2. Environment variables")
	for _, name := range []string{"CONTRASCAN_SERVER", "CONTRASCAN_API_KEY"} {
		value := os.Getenv(name)
		switch {
		case value == "":
			value = "(not set)"
		case name == "CONTRASCAN_API_KEY":
			value = maskAPIKey(value)
		}
		fmt.Printf("   %s=%s\n", name, value)
	}
	fmt.Println()

	fmt.Println("3. Project config (contrascan.toml or .contrascan.toml)")
	projectConfig, configPath, err := loadProjectConfig()
	switch {
	case os.IsNotExist(err):
		fmt.Println("   (not found)")
	case err != nil:
		fmt.Printf("   Error: %v\n", err)
	default:
		fmt.Printf("   Loaded from: %s\n", configPath)
		if projectConfig.Server != "" {
			fmt.Printf("   server: %s\n", projectConfig.Server)
		}
		if projectConfig.FailOn != "" {
			fmt.Printf("   fail_on: %s\n", projectConfig.FailOn)
		}
		if projectConfig.HistoryLimit > 0 {
			fmt.Printf("   history_limit: %d\n", projectConfig.HistoryLimit)
		}
	}
	fmt.Println()

	fmt.Printf("4. Credentials (%s)\n", credentialsFilePath())
	creds, err := loadCredentials()
	switch {
	case os.IsNotExist(err):
		fmt.Println("   (not found)")
	case err != nil:
		fmt.Printf("   Error: %v\n", err)
	case len(creds.Servers) == 0:
		fmt.Println("   (no credentials stored)")
	default:
		for server, cred := range creds.Servers {
			fmt.Printf("   %s: %s\n", server, maskAPIKey(cred.APIKey))
		}
	}
	fmt.Println()

	fmt.Println("Effective configuration:")
	fmt.Printf("   Server:  %s\n", getServer())
	if key := getAPIKey(); key != "" {
		fmt.Printf("   API Key: %s\n", maskAPIKey(key))
	} else {
		fmt.Println("   API Key: (not set)")
	}

	return nil
}

// loadProjectConfig loads the project config from the --config flag or the
// first matching config file. Returns the config, the path it was loaded
// from, and an error.
func loadProjectConfig() (*ProjectConfig, string, error) {
	if cfgFile != "" {
		config, err := loadProjectConfigFromPath(cfgFile)
		return config, cfgFile, err
	}

	for _, name := range projectConfigFiles {
		if _, err := os.Stat(name); err == nil {
			config, err := loadProjectConfigFromPath(name)
			return config, name, err
		}
	}
	return nil, "", os.ErrNotExist
}

func loadProjectConfigFromPath(path string) (*ProjectConfig, error) {
	var config ProjectConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := validateFailOn(config.FailOn); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &config, nil
}

// loadProjectConfigSilent returns nil when no config file exists and warns
// on stderr about files that exist but cannot be used.
func loadProjectConfigSilent() *ProjectConfig {
	config, _, err := loadProjectConfig()
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load project config: %v\n", err)
		}
		return nil
	}
	return config
}

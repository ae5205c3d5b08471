package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// DefaultServer is used when no flag, environment variable or project
// config names a server.
const DefaultServer = "http://localhost:5001"

var (
	cfgFile string
	server  string
	apiKey  string
)

// Execute runs the CLI
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "contrascan",
		Short: "Smart contract vulnerability analysis CLI",
		Long: `Contrascan analyzes verified Ethereum contracts for vulnerabilities.

The server fetches the verified source, flattens it, selects the right solc
version and runs Mythril. This CLI submits addresses and reads stored reports.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: contrascan.toml or .contrascan.toml)")
	rootCmd.PersistentFlags().StringVar(&server, "server", "", "server URL (default from config)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for authentication")

	rootCmd.AddCommand(createAnalyzeCmd())
	rootCmd.AddCommand(createHistoryCmd())
	rootCmd.AddCommand(createAuthCmd())
	rootCmd.AddCommand(createConfigCmd())

	return rootCmd
}

// getServer returns the server URL from flag, env, or config file
func getServer() string {
	// 1. Command line flag
	if server != "" {
		return server
	}

	// 2. Environment variable
	if env := os.Getenv("CONTRASCAN_SERVER"); env != "" {
		return env
	}

	// 3. Project config file (TOML)
	if config := loadProjectConfigSilent(); config != nil && config.Server != "" {
		return config.Server
	}

	return DefaultServer
}

// getAPIKey returns the API key from flag, env, or credentials file
func getAPIKey() string {
	// 1. Command line flag
	if apiKey != "" {
		return apiKey
	}

	// 2. Environment variable
	if env := os.Getenv("CONTRASCAN_API_KEY"); env != "" {
		return env
	}

	// 3. Credentials file (keyed by server URL)
	return getCredential(getServer())
}

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/pendergraft/contrascan/internal/auth"
	"github.com/pendergraft/contrascan/pkg/client"
)

// keyCheckTimeout bounds the login round trip. The check never runs an
// analysis, so it does not need the client's long default.
const keyCheckTimeout = 15 * time.Second

// Credentials maps a server URL to the key saved for it.
type Credentials struct {
	Servers map[string]ServerCredential `yaml:"servers"`
}

// ServerCredential is the key saved for one server.
type ServerCredential struct {
	APIKey  string    `yaml:"api_key"`
	Name    string    `yaml:"name,omitempty"`
	SavedAt time.Time `yaml:"saved_at,omitempty"`
}

type loginOptions struct {
	server string
	apiKey string
	name   string
}

func createAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage saved API keys",
	}

	cmd.AddCommand(createAuthLoginCmd())
	cmd.AddCommand(createAuthLogoutCmd())
	cmd.AddCommand(createAuthStatusCmd())

	return cmd
}

func createAuthLoginCmd() *cobra.Command {
	var opts loginOptions

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Check and save an API key",
		Long: `Check an API key against a contrascan server and save it.

Keys are issued on the server with 'contrascan-server keys create'. They are
saved per server in ~/.contrascan/credentials.yaml, readable only by you.

EXAMPLES:
  # Prompt for the key
  contrascan auth login

  # Save a key for another server
  contrascan auth login --server https://scan.example.com --name ci

  # Non-interactive (CI)
  echo "$SCAN_KEY" | contrascan auth login
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthLogin(opts)
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "", "server URL (default from config)")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "API key (read from stdin if not provided)")
	cmd.Flags().StringVar(&opts.name, "name", "", "label shown by 'auth status'")

	return cmd
}

func createAuthLogoutCmd() *cobra.Command {
	var serverFlag string
	var allFlag bool

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget saved API keys",
		Long: `Remove the key saved for a server, or every saved key with --all.

EXAMPLES:
  contrascan auth logout
  contrascan auth logout --server https://scan.example.com
  contrascan auth logout --all
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthLogout(serverFlag, allFlag)
		},
	}

	cmd.Flags().StringVar(&serverFlag, "server", "", "server URL (default from config)")
	cmd.Flags().BoolVar(&allFlag, "all", false, "clear all credentials")

	return cmd
}

func createAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List servers with a saved key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthStatus()
		},
	}
}

func runAuthLogin(opts loginOptions) error {
	serverURL := normalizeServer(opts.server)
	if serverURL == "" {
		serverURL = normalizeServer(getServer())
	}

	key := opts.apiKey
	if key == "" {
		var err error
		if key, err = promptAPIKey(serverURL); err != nil {
			return err
		}
	}
	if key == "" {
		return errors.New("API key cannot be empty")
	}
	if !auth.HasKeyPrefix(key) {
		fmt.Fprintf(os.Stderr, "%s key does not start with %q\n", color.YellowString("warning:"), auth.KeyPrefix)
	}

	fmt.Printf("Checking key with %s...\n", serverURL)
	valid, err := validateAPIKey(serverURL, key)
	if err != nil {
		return fmt.Errorf("failed to validate credentials: %w", err)
	}
	if !valid {
		return fmt.Errorf("invalid API key for %s", serverURL)
	}

	if err := saveCredential(serverURL, key, opts.name); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	fmt.Printf("%s Logged in to %s (key: %s)\n", color.GreenString("[+]"), serverURL, maskAPIKey(key))
	fmt.Printf("    Saved to %s\n", credentialsFilePath())
	return nil
}

// promptAPIKey reads the key without echo on a terminal, or the first line
// of piped input otherwise.
func promptAPIKey(serverURL string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("failed to read API key: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	fmt.Printf("API key for %s: ", serverURL)
	raw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read API key: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func runAuthLogout(serverURL string, all bool) error {
	if all {
		if err := os.Remove(credentialsFilePath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove credentials: %w", err)
		}
		fmt.Printf("%s Cleared all saved keys\n", color.GreenString("[+]"))
		return nil
	}

	serverURL = normalizeServer(serverURL)
	if serverURL == "" {
		serverURL = normalizeServer(getServer())
	}

	creds, err := loadCredentials()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	if creds == nil {
		creds = &Credentials{Servers: map[string]ServerCredential{}}
	}

	if _, ok := creds.Servers[serverURL]; !ok {
		fmt.Printf("No saved key for %s\n", serverURL)
		return nil
	}
	delete(creds.Servers, serverURL)

	if err := writeCredentials(creds); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	fmt.Printf("%s Logged out from %s\n", color.GreenString("[+]"), serverURL)
	return nil
}

func runAuthStatus() error {
	creds, err := loadCredentials()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	if creds == nil || len(creds.Servers) == 0 {
		fmt.Println("Not authenticated to any servers")
		fmt.Println("\nRun 'contrascan auth login' to save a key")
		return nil
	}

	current := normalizeServer(getServer())
	servers := make([]string, 0, len(creds.Servers))
	for s := range creds.Servers {
		servers = append(servers, s)
	}
	slices.Sort(servers)

	fmt.Println("Authenticated servers:")
	for _, s := range servers {
		cred := creds.Servers[s]
		marker := " "
		if s == current {
			marker = color.GreenString("*")
		}
		line := fmt.Sprintf("%s %s (key: %s", marker, s, maskAPIKey(cred.APIKey))
		if cred.Name != "" {
			line += ", " + cred.Name
		}
		if !cred.SavedAt.IsZero() {
			line += ", saved " + cred.SavedAt.Format(time.DateOnly)
		}
		fmt.Println(line + ")")
	}
	return nil
}

// normalizeServer keys credentials so that "http://host/" and "http://host"
// share one entry.
func normalizeServer(serverURL string) string {
	return strings.TrimRight(strings.TrimSpace(serverURL), "/")
}

func credentialsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".contrascan"
	}
	return filepath.Join(home, ".contrascan")
}

func credentialsFilePath() string {
	return filepath.Join(credentialsDir(), "credentials.yaml")
}

func loadCredentials() (*Credentials, error) {
	data, err := os.ReadFile(credentialsFilePath())
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", credentialsFilePath(), err)
	}
	if creds.Servers == nil {
		creds.Servers = make(map[string]ServerCredential)
	}
	return &creds, nil
}

// writeCredentials replaces the file through a rename so a crash never
// leaves a truncated key file behind.
func writeCredentials(creds *Credentials) error {
	dir := credentialsDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(creds)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "credentials-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), credentialsFilePath())
}

func saveCredential(serverURL, apiKey, name string) error {
	creds, err := loadCredentials()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		creds = &Credentials{Servers: make(map[string]ServerCredential)}
	}

	creds.Servers[normalizeServer(serverURL)] = ServerCredential{
		APIKey:  apiKey,
		Name:    name,
		SavedAt: time.Now().UTC(),
	}
	return writeCredentials(creds)
}

func getCredential(serverURL string) string {
	creds, err := loadCredentials()
	if err != nil {
		return ""
	}
	return creds.Servers[normalizeServer(serverURL)].APIKey
}

func validateAPIKey(serverURL, apiKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), keyCheckTimeout)
	defer cancel()
	return client.New(serverURL, apiKey, client.WithTimeout(keyCheckTimeout)).CheckKey(ctx)
}

func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

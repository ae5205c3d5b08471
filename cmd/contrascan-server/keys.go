package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pendergraft/contrascan/internal/config"
	"github.com/pendergraft/contrascan/internal/storage"
)

// keyIDDisplayLen is how much of a key ID `keys list` shows; `keys revoke`
// accepts any unique prefix.
const keyIDDisplayLen = 8

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the API keys that may run analyses",
		Long: `Manage API keys. Keys are only checked when AUTH_TYPE=api-key, and need
STORAGE_TYPE=sqlite or DATABASE_URL to be set.`,
	}

	cmd.AddCommand(newKeysCreateCmd())
	cmd.AddCommand(newKeysListCmd())
	cmd.AddCommand(newKeysRevokeCmd())

	return cmd
}

type createKeyOptions struct {
	name   string
	output string
	stdout bool
}

func newKeysCreateCmd() *cobra.Command {
	var opts createKeyOptions

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Issue a new API key",
		Long: `Issue a new API key. The key is shown exactly once.

By default it is written to ./contrascan-key-<name>.txt (mode 0600); an existing
file is never overwritten. --stdout prints only the key, for piping into a
secrets manager.

EXAMPLES:
  contrascan-server keys create ci-audit
  contrascan-server keys create ci-audit --stdout | gh secret set CONTRASCAN_API_KEY
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.name = args[0]
			return withKeyStore(cmd.Context(), func(store storage.APIKeyStore) error {
				return createKey(cmd.Context(), store, cmd.OutOrStdout(), opts)
			})
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "key file (default ./contrascan-key-<name>.txt)")
	cmd.Flags().BoolVar(&opts.stdout, "stdout", false, "print only the key instead of writing a file")

	return cmd
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyStore(cmd.Context(), func(store storage.APIKeyStore) error {
				return listKeys(cmd.Context(), store, cmd.OutOrStdout())
			})
		},
	}
}

func newKeysRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Long: `Revoke an API key. The ID may be the prefix shown by 'keys list' as long as
it matches exactly one key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyStore(cmd.Context(), func(store storage.APIKeyStore) error {
				return revokeKey(cmd.Context(), store, cmd.OutOrStdout(), args[0])
			})
		},
	}
}

// withKeyStore opens the configured store with migrations applied and
// closes it after fn.
func withKeyStore(ctx context.Context, fn func(storage.APIKeyStore) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Storage.Enabled() {
		return errors.New("no storage configured: set STORAGE_TYPE=sqlite or DATABASE_URL")
	}

	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := storage.New(cfg.Storage, quiet)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return fn(store)
}

func createKey(ctx context.Context, store storage.APIKeyStore, out io.Writer, opts createKeyOptions) error {
	name := strings.TrimSpace(opts.name)
	if name == "" {
		return errors.New("key name cannot be empty")
	}

	path := opts.output
	if path == "" && !opts.stdout {
		path = fmt.Sprintf("contrascan-key-%s.txt", sanitizeFileName(name))
	}

	// Claim the file before issuing, so a clash does not leave an orphaned key.
	var f *os.File
	if !opts.stdout {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("creating directory: %w", err)
			}
		}
		var err error
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s already exists; choose another --output", path)
		}
		if err != nil {
			return fmt.Errorf("creating key file: %w", err)
		}
	}

	key, err := store.CreateAPIKey(ctx, name)
	if err != nil {
		if f != nil {
			f.Close()
			os.Remove(path)
		}
		return fmt.Errorf("creating API key: %w", err)
	}

	if opts.stdout {
		fmt.Fprintln(out, key)
		return nil
	}

	_, werr := fmt.Fprintln(f, key)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("writing key file: %w", werr)
	}

	fmt.Fprintf(out, "%s Issued key %q\n", color.GreenString("[+]"), name)
	fmt.Fprintf(out, "    Written to %s (mode 0600). It cannot be shown again.\n\n", path)
	fmt.Fprintf(out, "    export CONTRASCAN_API_KEY=$(cat %s)\n", path)
	fmt.Fprintln(out, "    contrascan analyze 0x...")
	return nil
}

// sanitizeFileName keeps key names usable as file name components.
func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func listKeys(ctx context.Context, store storage.APIKeyStore, out io.Writer) error {
	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("listing API keys: %w", err)
	}
	if len(keys) == 0 {
		fmt.Fprintln(out, "No API keys")
		fmt.Fprintln(out, "\nIssue one with: contrascan-server keys create <name>")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED\tLAST USED")
	for _, k := range keys {
		lastUsed := k.LastUsedAt
		if lastUsed == "" {
			lastUsed = "never"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", shortID(k.ID), k.Name, k.CreatedAt, lastUsed)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) <= keyIDDisplayLen {
		return id
	}
	return id[:keyIDDisplayLen]
}

func revokeKey(ctx context.Context, store storage.APIKeyStore, out io.Writer, idOrPrefix string) error {
	idOrPrefix = strings.TrimSpace(strings.TrimSuffix(idOrPrefix, "..."))
	if idOrPrefix == "" {
		return errors.New("key ID cannot be empty")
	}

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("listing API keys: %w", err)
	}

	var matches []storage.APIKey
	for _, k := range keys {
		if k.ID == idOrPrefix {
			matches = []storage.APIKey{k}
			break
		}
		if strings.HasPrefix(k.ID, idOrPrefix) {
			matches = append(matches, k)
		}
	}

	switch len(matches) {
	case 0:
		return fmt.Errorf("no active key matches %q", idOrPrefix)
	case 1:
	default:
		return fmt.Errorf("%q matches %d keys; use more of the ID", idOrPrefix, len(matches))
	}

	k := matches[0]
	if err := store.RevokeAPIKey(ctx, k.ID); err != nil {
		return fmt.Errorf("revoking API key: %w", err)
	}
	fmt.Fprintf(out, "%s Revoked key %q (%s)\n", color.GreenString("[+]"), k.Name, shortID(k.ID))
	return nil
}

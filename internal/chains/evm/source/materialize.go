package source

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Materialize writes the bundle below dir and returns the absolute path of
// the main file. Any previous content of dir is removed first.
func Materialize(b *Bundle, dir string) (string, error) {
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clearing source directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating source directory: %w", err)
	}

	if b.Kind == KindFlat {
		mainPath := filepath.Join(dir, b.ContractName+".sol")
		if err := os.WriteFile(mainPath, []byte(b.Code), 0o644); err != nil {
			return "", fmt.Errorf("writing %s: %w", mainPath, err)
		}
		return filepath.Abs(mainPath)
	}

	var mainPath string
	for rel, content := range b.Files {
		full, err := safeJoin(dir, rel)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return "", fmt.Errorf("creating directory for %s: %w", rel, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("writing %s: %w", rel, err)
		}
		if rel == b.MainFile {
			mainPath = full
		}
	}
	if mainPath == "" {
		return "", fmt.Errorf("%w: main file %q not in bundle", ErrParse, b.MainFile)
	}
	return filepath.Abs(mainPath)
}

// safeJoin joins a bundle path below dir. Leading slashes are dropped and
// paths climbing out of dir are rejected.
func safeJoin(dir, rel string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(strings.TrimLeft(rel, "/\\")))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes the source directory", ErrParse, rel)
	}
	return filepath.Join(dir, cleaned), nil
}

// brokenOpenZeppelinAlias is a versioned package alias some verified sources
// carry; the installed package only exists under the unversioned name.
var brokenOpenZeppelinAlias = regexp.MustCompile(`@openzeppelin/contracts-v4\.4`)

const canonicalOpenZeppelin = "@openzeppelin/contracts"

// RewriteImports returns code with known-broken import aliases replaced.
func RewriteImports(code string) string {
	return brokenOpenZeppelinAlias.ReplaceAllString(code, canonicalOpenZeppelin)
}

// NormalizeImports rewrites known-broken import aliases in the file at path.
func NormalizeImports(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	fixed := RewriteImports(string(data))
	if fixed == string(data) {
		return nil
	}
	if err := os.WriteFile(path, []byte(fixed), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

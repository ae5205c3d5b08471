// Package source reconstructs verified contract sources on disk.
package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
)

// ErrParse is returned when a multi-file bundle cannot be decoded.
var ErrParse = errors.New("malformed source bundle")

// DefaultContractName is used when the explorer reports no contract name.
const DefaultContractName = "Contract"

// Kind distinguishes flat sources from multi-file bundles.
type Kind int

const (
	KindFlat Kind = iota
	KindMultiFile
)

func (k Kind) String() string {
	if k == KindMultiFile {
		return "multi-file"
	}
	return "flat"
}

// Bundle is the verified source of one contract.
type Bundle struct {
	Kind         Kind
	ContractName string

	// Code holds the source of a flat bundle.
	Code string

	// Files maps relative paths to contents for multi-file bundles.
	Files map[string]string
	// MainFile is the key in Files holding the declared contract.
	MainFile string
}

// SelfContained reports whether the bundle is a single file without any
// import directive, i.e. it is already one compilation unit.
func (b *Bundle) SelfContained() bool {
	return b.Kind == KindFlat && !HasImports(b.Code)
}

var importDirective = regexp.MustCompile(`(?m)^\s*import[\s"'{*]`)

// HasImports reports whether code contains an import directive.
func HasImports(code string) bool {
	return importDirective.MatchString(code)
}

// bundleFile is one entry of the sources map.
type bundleFile struct {
	Content string `json:"content"`
}

// standardInput is the subset of Solidity standard JSON input we need.
type standardInput struct {
	Sources map[string]bundleFile `json:"sources"`
}

// ParseBundle inspects the explorer's SourceCode field. A leading "{{" is the
// explorer's double-wrapped standard JSON input, a leading "{" is either
// standard JSON input or a bare sources map, and anything else is flat source.
func ParseBundle(contractName, code string) (*Bundle, error) {
	if contractName == "" {
		contractName = DefaultContractName
	}

	trimmed := strings.TrimSpace(code)
	if !strings.HasPrefix(trimmed, "{") {
		return &Bundle{Kind: KindFlat, ContractName: contractName, Code: code}, nil
	}

	payload := trimmed
	if strings.HasPrefix(trimmed, "{{") {
		if !strings.HasSuffix(trimmed, "}}") {
			return nil, fmt.Errorf("%w: unterminated double-wrapped JSON", ErrParse)
		}
		payload = trimmed[1 : len(trimmed)-1]
	}

	sources, err := decodeSources([]byte(payload))
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: multi-file contract structure found, but no sources detected", ErrParse)
	}

	files := make(map[string]string, len(sources))
	for p, f := range sources {
		files[p] = f.Content
	}

	return &Bundle{
		Kind:         KindMultiFile,
		ContractName: contractName,
		Files:        files,
		MainFile:     selectMainFile(contractName, files),
	}, nil
}

func decodeSources(payload []byte) (map[string]bundleFile, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	if _, ok := raw["sources"]; ok {
		var in standardInput
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return in.Sources, nil
	}
	if _, ok := raw["language"]; ok {
		return nil, nil
	}

	// Older explorer submissions carry the sources map at the top level.
	sources := make(map[string]bundleFile, len(raw))
	for p, msg := range raw {
		var f bundleFile
		if err := json.Unmarshal(msg, &f); err != nil || !strings.HasSuffix(p, ".sol") {
			return nil, fmt.Errorf("%w: no sources map", ErrParse)
		}
		sources[p] = f
	}
	return sources, nil
}

// selectMainFile prefers a file named exactly <contract>.sol, then any path
// ending in it, then the lexicographically first path.
func selectMainFile(contractName string, files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	want := strings.ToLower(contractName + ".sol")
	for _, p := range paths {
		if strings.ToLower(path.Base(p)) == want {
			return p
		}
	}
	for _, p := range paths {
		if strings.HasSuffix(strings.ToLower(p), want) {
			return p
		}
	}
	return paths[0]
}

// Package solc resolves compiler versions from pragmas and switches the
// active compiler.
package solc

import (
	"errors"
	"regexp"
	"strings"

	"github.com/pendergraft/contrascan/internal/validation"
)

// ErrVersionNotFound is returned when source text carries no usable pragma.
var ErrVersionNotFound = errors.New("solidity version pragma not found")

var (
	pragmaDirective = regexp.MustCompile(`pragma\s+solidity\s+([^;]+);`)
	// versionToken matches one comparator of a constraint, e.g. "^0.8.0" or ">= 0.6.2".
	versionToken = regexp.MustCompile(`(>=|<=|\^|~|>|<|=)?\s*v?(\d+\.\d+(?:\.\d+)?)`)
)

// ExtractVersion returns the highest compiler version referenced by any
// pragma in text. Only lower bounds and exact pins count; upper and exclusive
// bounds ("<", "<=", ">") name versions the code must not be compiled with.
func ExtractVersion(text string) (string, error) {
	var candidates []string
	for _, m := range pragmaDirective.FindAllStringSubmatch(text, -1) {
		for _, tok := range versionToken.FindAllStringSubmatch(m[1], -1) {
			switch tok[1] {
			case "<", "<=", ">":
				continue
			}
			candidates = append(candidates, completeVersion(tok[2]))
		}
	}
	best := validation.MaxVersion(candidates)
	if best == "" {
		return "", ErrVersionNotFound
	}
	return best, nil
}

// completeVersion pads "0.8" to "0.8.0"; solc-select only knows full versions.
func completeVersion(v string) string {
	if strings.Count(v, ".") == 1 {
		return v + ".0"
	}
	return v
}

// Package flatten turns a multi-file contract into one compilation unit,
// falling back through progressively weaker strategies.
package flatten

import (
	"regexp"
	"sort"
	"strings"
)

// Diagnosis is what a failed hardhat flatten told us.
type Diagnosis struct {
	// MissingLibrary is set when hardhat asked for npm packages to be installed.
	MissingLibrary bool
	// Libraries are the package names hardhat reported missing, sorted.
	Libraries []string
	// Cyclic is set when the import graph contains a cycle.
	Cyclic bool
}

var missingLibrary = regexp.MustCompile(`The library (@[\w\-/]+)`)

// Classify inspects hardhat's stderr.
func Classify(stderr string) Diagnosis {
	lower := strings.ToLower(stderr)

	var d Diagnosis
	d.MissingLibrary = strings.Contains(lower, "is not installed") &&
		strings.Contains(lower, "try installing it using npm")
	d.Cyclic = strings.Contains(lower, "cyclic dependencies") || strings.Contains(lower, "hh603")

	seen := make(map[string]bool)
	for _, m := range missingLibrary.FindAllStringSubmatch(stderr, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			d.Libraries = append(d.Libraries, m[1])
		}
	}
	sort.Strings(d.Libraries)
	return d
}

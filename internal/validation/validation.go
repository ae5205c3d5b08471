// Package validation provides input validation for contrascan.
package validation

import (
	"errors"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

// Compiler versions: solc-select only accepts plain major.minor.patch
var compilerVersionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// ValidateCompilerVersion validates a solc version such as "0.8.10"
func ValidateCompilerVersion(v string) error {
	normalized := NormalizeVersion(v)
	if normalized == "" {
		return errors.New("compiler version cannot be empty")
	}
	if !compilerVersionRegex.MatchString(normalized) {
		return errors.New("invalid compiler version: must be in format X.Y.Z")
	}
	if !semver.IsValid("v" + normalized) {
		return errors.New("invalid compiler version: leading zeros are not allowed")
	}
	return nil
}

// NormalizeVersion normalizes a version string (strips leading 'v')
func NormalizeVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// CompareVersions compares two versions
// Returns -1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2
func CompareVersions(v1, v2 string) int {
	n1 := "v" + NormalizeVersion(v1)
	n2 := "v" + NormalizeVersion(v2)
	return semver.Compare(n1, n2)
}

// MaxVersion returns the highest valid version in the list, or "" if none is valid
func MaxVersion(versions []string) string {
	var latest string
	for _, v := range versions {
		if !semver.IsValid("v" + NormalizeVersion(v)) {
			continue
		}
		if latest == "" || CompareVersions(v, latest) > 0 {
			latest = v
		}
	}
	return latest
}

// ValidateAddress validates an Ethereum address
func ValidateAddress(addr string) error {
	if len(addr) != 42 {
		return errors.New("invalid address length: must be 42 characters (0x + 40 hex)")
	}
	if !strings.HasPrefix(addr, "0x") {
		return errors.New("invalid address: must start with 0x")
	}
	// Check hex characters
	for _, c := range addr[2:] {
		isDigit := c >= '0' && c <= '9'
		isLowerHex := c >= 'a' && c <= 'f'
		isUpperHex := c >= 'A' && c <= 'F'
		if !isDigit && !isLowerHex && !isUpperHex {
			return errors.New("invalid address: contains non-hex characters")
		}
	}
	return nil
}

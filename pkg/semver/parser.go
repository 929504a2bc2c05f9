// Package semver parses versioned capability labels and checks them against
// SemVer ranges.
package semver

import (
	"fmt"
	"regexp"
	"strings"
)

const logPrefix = "semver:parser"

// ParsedCapability holds the components of a capability label or reference.
type ParsedCapability struct {
	// Name of the capability (e.g., "screenshot")
	Name string
	// Version or range after "@" (e.g., "1.2.0", "^1", ""); empty means unversioned
	Range string
	// Raw input string
	Raw string
}

var (
	capabilityNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._/-]*$`)
	majorOnlyRegex      = regexp.MustCompile(`^\d+$`)
	exactVersionRegex   = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?(\+[\w.]+)?$`)
)

// ParseCapability parses a capability label or reference.
//
// Supported formats:
//   - screenshot            (no version)
//   - screenshot@1          (major only)
//   - screenshot@1.2.0      (exact version)
//   - screenshot@^1.2.0     (caret range)
//   - screenshot@>=1.0.0    (comparison range)
func ParseCapability(input string) (*ParsedCapability, error) {
	raw := strings.TrimSpace(input)

	name, rangeStr, _ := strings.Cut(raw, "@")
	name = strings.TrimSpace(name)
	rangeStr = strings.TrimSpace(rangeStr)

	if !ValidateCapabilityName(name) {
		return nil, fmt.Errorf("%s - invalid capability name: %q", logPrefix, raw)
	}

	return &ParsedCapability{
		Name:  name,
		Range: rangeStr,
		Raw:   raw,
	}, nil
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// IsExactVersion checks if a range is an exact version (e.g., "3.2.1").
func IsExactVersion(rangeStr string) bool {
	return exactVersionRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange extracts the major version if the range is major-only.
// Returns -1 if not a major-only range.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	var major int
	fmt.Sscanf(rangeStr, "%d", &major)
	return major
}

// ValidateCapabilityName validates a capability name (letters, digits, dots, slashes, hyphens, underscores).
func ValidateCapabilityName(name string) bool {
	return capabilityNameRegex.MatchString(name)
}

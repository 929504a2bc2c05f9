package semver

import (
	masterminds "github.com/Masterminds/semver/v3"
)

// SatisfiesRange checks if a version string satisfies a range.
func SatisfiesRange(version, rangeStr string) bool {
	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return false
	}

	if IsMajorOnly(rangeStr) {
		return int(sv.Major()) == ExtractMajorFromRange(rangeStr)
	}

	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return false
	}
	return constraint.Check(sv)
}

// Compatible reports whether a peer's protocol version is accepted by the
// local constraint. An empty constraint accepts everything.
func Compatible(version, constraint string) bool {
	if constraint == "" {
		return true
	}
	return SatisfiesRange(version, constraint)
}

// ValidConstraint reports whether s parses as a major-only or SemVer range.
func ValidConstraint(s string) bool {
	if s == "" || IsMajorOnly(s) {
		return true
	}
	_, err := masterminds.NewConstraint(s)
	return err == nil
}

// MatchCapability reports whether an advertised label (e.g. "screenshot@1.4.0")
// satisfies a reference (e.g. "screenshot@^1"). A reference without a range
// matches any version of the named capability.
func MatchCapability(label, ref string) bool {
	l, err := ParseCapability(label)
	if err != nil {
		return false
	}
	r, err := ParseCapability(ref)
	if err != nil {
		return false
	}
	if l.Name != r.Name {
		return false
	}
	if r.Range == "" {
		return true
	}
	if l.Range == "" {
		return false
	}
	return SatisfiesRange(l.Range, r.Range)
}

// HighestVersion returns the highest version among labels that match ref, and
// whether any matched. Unversioned matches rank below versioned ones.
func HighestVersion(labels []string, ref string) (*masterminds.Version, bool) {
	var best *masterminds.Version
	found := false
	for _, label := range labels {
		if !MatchCapability(label, ref) {
			continue
		}
		found = true
		p, _ := ParseCapability(label)
		if p.Range == "" {
			continue
		}
		v, err := masterminds.NewVersion(p.Range)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
		}
	}
	return best, found
}

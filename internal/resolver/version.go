package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/moduleplane/moduleplane/internal/models"
)

// ParseConstraint parses a semver constraint expression. An empty string
// means any version.
func ParseConstraint(constraint string) (*semver.Constraints, error) {
	if constraint == "" {
		constraint = "*"
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, models.Errorf(models.ErrValidation, "invalid version constraint %q: %v", constraint, err)
	}
	return c, nil
}

// VersionSatisfies reports whether version matches constraint.
func VersionSatisfies(version, constraint string) (bool, error) {
	v, err := semver.NewVersion(NormalizeVersion(version))
	if err != nil {
		return false, models.Errorf(models.ErrValidation, "invalid version %q: %v", version, err)
	}
	c, err := ParseConstraint(constraint)
	if err != nil {
		return false, err
	}
	return c.Check(v), nil
}

// FindBestVersion returns the highest version in available that satisfies
// constraint, preserving the original spelling of the winner.
func FindBestVersion(available []string, constraint string) (string, error) {
	c, err := ParseConstraint(constraint)
	if err != nil {
		return "", err
	}
	var matching []*semver.Version
	for _, raw := range available {
		v, err := semver.NewVersion(NormalizeVersion(raw))
		if err != nil {
			continue
		}
		if c.Check(v) {
			matching = append(matching, v)
		}
	}
	if len(matching) == 0 {
		return "", models.Errorf(models.ErrDependencyUnresolved,
			"no version satisfies constraint %q (available: %s)", constraint, strings.Join(available, ", "))
	}
	sort.Sort(sort.Reverse(semver.Collection(matching)))
	return matching[0].Original(), nil
}

// NormalizeVersion strips a leading "v" so semver parsing accepts both
// spellings.
func NormalizeVersion(version string) string {
	return strings.TrimPrefix(version, "v")
}

// CompareVersions returns -1, 0 or 1 as a is less than, equal to or greater
// than b.
func CompareVersions(a, b string) (int, error) {
	va, err := semver.NewVersion(NormalizeVersion(a))
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", a, err)
	}
	vb, err := semver.NewVersion(NormalizeVersion(b))
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", b, err)
	}
	return va.Compare(vb), nil
}

// SameMajor reports whether two versions share a major version. Malformed
// input counts as a major change.
func SameMajor(a, b string) bool {
	va, err := semver.NewVersion(NormalizeVersion(a))
	if err != nil {
		return false
	}
	vb, err := semver.NewVersion(NormalizeVersion(b))
	if err != nil {
		return false
	}
	return va.Major() == vb.Major()
}

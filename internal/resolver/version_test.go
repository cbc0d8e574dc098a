package resolver

import "testing"

func TestVersionSatisfies(t *testing.T) {
	ok, err := VersionSatisfies("v1.2.3", ">=1.2.0, <2.0.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected version to satisfy constraint")
	}
}

func TestVersionSatisfiesEmptyConstraint(t *testing.T) {
	ok, err := VersionSatisfies("0.1.0", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("empty constraint must match any version")
	}
}

func TestFindBestVersion(t *testing.T) {
	best, err := FindBestVersion([]string{"v1.2.0", "1.5.1", "1.3.9"}, ">=1.3.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if best != "1.5.1" {
		t.Fatalf("unexpected best version: %s", best)
	}
}

func TestFindBestVersionNoMatch(t *testing.T) {
	if _, err := FindBestVersion([]string{"1.0.0", "1.1.0"}, ">=2.0.0"); err == nil {
		t.Fatalf("expected error when nothing satisfies the constraint")
	}
}

func TestCompareVersions(t *testing.T) {
	cmp, err := CompareVersions("v1.2.0", "1.2.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmp != 0 {
		t.Fatalf("expected equal versions")
	}
	cmp, err = CompareVersions("1.2.1", "1.2.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmp <= 0 {
		t.Fatalf("expected first version greater")
	}
}

func TestSameMajor(t *testing.T) {
	if !SameMajor("1.2.0", "v1.9.9") {
		t.Fatalf("expected same major")
	}
	if SameMajor("1.2.0", "2.0.0") {
		t.Fatalf("expected major change")
	}
	if SameMajor("1.2.0", "garbage") {
		t.Fatalf("malformed input must count as a major change")
	}
}

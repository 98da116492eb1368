package index

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPath(t *testing.T) {
	cases := map[string]string{
		"a":     filepath.Join("1", "a"),
		"ab":    filepath.Join("2", "ab"),
		"abc":   filepath.Join("3", "a", "abc"),
		"abcd":  filepath.Join("ab", "cd", "abcd"),
		"abcde": filepath.Join("ab", "cd", "abcde"),
	}
	for name, want := range cases {
		if got := Path(name); got != want {
			t.Errorf("Path(%q) = %q, want %q", name, got, want)
		}
	}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	return New(func() string { return dir })
}

func TestAppendRejectsNonMonotonicVersion(t *testing.T) {
	e := newEngine(t)
	if err := e.Append(Metadata{Name: "foo", Vers: "1.0.0", Cksum: "abc"}); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := e.Append(Metadata{Name: "foo", Vers: "1.0.0", Cksum: "abc"}); err == nil {
		t.Fatal("expected rejection of duplicate version")
	}
	if err := e.Append(Metadata{Name: "foo", Vers: "0.9.0", Cksum: "abc"}); err == nil {
		t.Fatal("expected rejection of older version")
	}
	if err := e.Append(Metadata{Name: "foo", Vers: "1.1.0", Cksum: "abc"}); err != nil {
		t.Fatalf("expected newer version to be accepted: %v", err)
	}
}

func TestAppendOrdersPrereleaseBelowRelease(t *testing.T) {
	e := newEngine(t)
	if err := e.Append(Metadata{Name: "bar", Vers: "1.0.0-alpha", Cksum: "abc"}); err != nil {
		t.Fatalf("prerelease append: %v", err)
	}
	if err := e.Append(Metadata{Name: "bar", Vers: "1.0.0", Cksum: "abc"}); err != nil {
		t.Fatalf("expected release version to be accepted as newer than its own prerelease: %v", err)
	}
	if err := e.Append(Metadata{Name: "bar", Vers: "1.0.0-beta", Cksum: "abc"}); err == nil {
		t.Fatal("expected a prerelease published after the release of the same core to be rejected")
	}
}

func TestCompareSemverPrereleaseOrdering(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0-alpha", "1.0.0", -1},
		{"1.0.0", "1.0.0-alpha", 1},
		{"1.0.0-alpha", "1.0.0-beta", -1},
		{"1.0.0-alpha.1", "1.0.0-alpha.2", -1},
		{"1.0.0-alpha", "1.0.0-alpha.1", -1},
		{"1.0.0-alpha", "1.0.0-alpha", 0},
	}
	for _, c := range cases {
		if got := compareSemver(c.a, c.b); got != c.want {
			t.Errorf("compareSemver(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestSetYankTogglesSingleLine(t *testing.T) {
	e := newEngine(t)
	if err := e.Append(Metadata{Name: "foo", Vers: "1.0.0", Cksum: "abc"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := e.Append(Metadata{Name: "foo", Vers: "1.1.0", Cksum: "def"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := e.SetYank("foo", "1.0.0", true); err != nil {
		t.Fatalf("set yank: %v", err)
	}
	m, err := e.GetExact("foo", "1.0.0")
	if err != nil {
		t.Fatalf("get exact: %v", err)
	}
	if !m.Yanked {
		t.Fatal("expected version to be yanked")
	}
	other, err := e.GetExact("foo", "1.1.0")
	if err != nil {
		t.Fatalf("get exact other: %v", err)
	}
	if other.Yanked {
		t.Fatal("unrelated version should not be affected")
	}
}

func TestSetYankRejectsNoOp(t *testing.T) {
	e := newEngine(t)
	if err := e.Append(Metadata{Name: "foo", Vers: "1.0.0", Cksum: "abc"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := e.SetYank("foo", "1.0.0", false); err == nil {
		t.Fatal("expected error setting yank to its current value")
	}
}

func TestConfigJSONOnlyWritesOnChange(t *testing.T) {
	dir := t.TempDir()
	_, changed, err := ConfigJSON(dir, "https://dl.example/api/v1/crates", "https://example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Fatal("expected first write to report a change")
	}
	_, changed, err = ConfigJSON(dir, "https://dl.example/api/v1/crates", "https://example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Fatal("expected second write with identical content to report no change")
	}
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		t.Fatalf("expected config.json to exist: %v", err)
	}
}

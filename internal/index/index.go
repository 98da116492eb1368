// Package index implements the NDJSON per-package index file engine that
// mirrors the cargo registry index format.
package index

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Dependency mirrors a single entry of a published package's deps array.
type Dependency struct {
	Name                string              `json:"name"`
	VersionReq          string              `json:"req"`
	Features            []string            `json:"features"`
	Optional            bool                `json:"optional"`
	DefaultFeatures     bool                `json:"default_features"`
	Target              *string             `json:"target,omitempty"`
	Kind                *string             `json:"kind,omitempty"`
	Registry            *string             `json:"registry,omitempty"`
	ExplicitNameInToml  *string             `json:"explicit_name_in_toml,omitempty"`
}

// Metadata is a single NDJSON record of a package's index file.
type Metadata struct {
	Name     string              `json:"name"`
	Vers     string              `json:"vers"`
	Deps     []Dependency        `json:"deps"`
	Cksum    string              `json:"cksum"`
	Features map[string][]string `json:"features"`
	Yanked   bool                `json:"yanked"`
	Links    *string             `json:"links,omitempty"`
}

// Engine reads and writes index files rooted at a working git clone.
type Engine struct {
	workingPath func() string
}

func New(workingPath func() string) *Engine {
	return &Engine{workingPath: workingPath}
}

// Path derives the on-disk location of name's index file, following the
// same length-based sharding cargo's own index uses.
func Path(name string) string {
	switch {
	case len(name) == 1:
		return filepath.Join("1", name)
	case len(name) == 2:
		return filepath.Join("2", name)
	case len(name) == 3:
		return filepath.Join("3", name[0:1], name)
	default:
		return filepath.Join(name[0:2], name[2:4], name)
	}
}

func (e *Engine) absPath(name string) string {
	return filepath.Join(e.workingPath(), Path(name))
}

// GetExact returns the record for the exact version requested, or an error
// if the file does not exist or no line matches.
func (e *Engine) GetExact(name, version string) (Metadata, error) {
	f, err := os.Open(e.absPath(name))
	if err != nil {
		return Metadata{}, fmt.Errorf("read index for %s: %w", name, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var m Metadata
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			continue
		}
		if m.Vers == version {
			return m, nil
		}
	}
	return Metadata{}, fmt.Errorf("version %s of %s not found in index", version, name)
}

// SetYank flips the yanked flag of the exact version in place, rewriting
// only the single matching line of the file.
func (e *Engine) SetYank(name, version string, yanked bool) error {
	old, err := e.GetExact(name, version)
	if err != nil {
		return err
	}
	if old.Yanked == yanked {
		return fmt.Errorf("%s-%s is already %s", name, version, yankWord(yanked))
	}

	path := e.absPath(name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	oldLine, err := json.Marshal(old)
	if err != nil {
		return err
	}
	updated := old
	updated.Yanked = yanked
	newLine, err := json.Marshal(updated)
	if err != nil {
		return err
	}
	rewritten := strings.Replace(string(raw), string(oldLine), string(newLine), 1)
	return os.WriteFile(path, []byte(rewritten), 0o644)
}

func yankWord(yanked bool) string {
	if yanked {
		return "yanked"
	}
	return "not yanked"
}

// Append writes a new record for name@version, rejecting any version that
// is not strictly greater than every version already recorded.
func (e *Engine) Append(m Metadata) error {
	path := e.absPath(m.Name)
	if f, err := os.Open(path); err == nil {
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			var existing Metadata
			if err := json.Unmarshal([]byte(line), &existing); err != nil {
				continue
			}
			if compareSemver(existing.Vers, m.Vers) >= 0 {
				f.Close()
				return fmt.Errorf("version %s is not newer than existing version %s of %s", m.Vers, existing.Vers, m.Name)
			}
		}
		f.Close()
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	m.Yanked = false
	line, err := json.Marshal(m)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// compareSemver compares two version strings per semver precedence: the
// numeric major.minor.patch core first, then, if the cores are equal, the
// pre-release identifiers (a version with a pre-release is ordered before
// the same core without one; build metadata never affects precedence). It
// returns -1, 0, or 1 like strings.Compare. No semver library appears
// anywhere in the retrieval pack, so this stays a small hand-rolled
// comparator rather than reaching for an unverified ecosystem dependency.
func compareSemver(a, b string) int {
	coreA, preA := splitSemver(a)
	coreB, preB := splitSemver(b)

	ca, cb := semverCore(coreA), semverCore(coreB)
	for i := 0; i < 3; i++ {
		if ca[i] != cb[i] {
			if ca[i] < cb[i] {
				return -1
			}
			return 1
		}
	}

	// Cores are equal: a pre-release version has lower precedence than
	// the same version without one (1.0.0-alpha < 1.0.0).
	switch {
	case preA == "" && preB == "":
		return 0
	case preA == "" && preB != "":
		return 1
	case preA != "" && preB == "":
		return -1
	default:
		return comparePrerelease(preA, preB)
	}
}

// splitSemver splits a version string into its major.minor.patch core and
// its pre-release identifier (if any), discarding build metadata.
func splitSemver(v string) (core, prerelease string) {
	v = strings.SplitN(v, "+", 2)[0]
	parts := strings.SplitN(v, "-", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func semverCore(v string) [3]int {
	parts := strings.SplitN(v, ".", 3)
	var out [3]int
	for i := 0; i < len(parts) && i < 3; i++ {
		n, _ := strconv.Atoi(parts[i])
		out[i] = n
	}
	return out
}

// comparePrerelease compares two pre-release strings dot-identifier by
// dot-identifier, per semver precedence: numeric identifiers compare
// numerically and are always lower than alphanumeric ones, alphanumeric
// identifiers compare lexically, and a shorter identifier list with an
// otherwise-equal prefix has lower precedence.
func comparePrerelease(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] == bs[i] {
			continue
		}
		an, aErr := strconv.Atoi(as[i])
		bn, bErr := strconv.Atoi(bs[i])
		switch {
		case aErr == nil && bErr == nil:
			if an < bn {
				return -1
			}
			return 1
		case aErr == nil:
			return -1
		case bErr == nil:
			return 1
		default:
			if as[i] < bs[i] {
				return -1
			}
			return 1
		}
	}
	if len(as) < len(bs) {
		return -1
	}
	if len(as) > len(bs) {
		return 1
	}
	return 0
}

// IndexConfig is the top-level config.json record of a cargo registry
// index, advertising download and API base URLs to cargo clients.
type IndexConfig struct {
	Dl  string `json:"dl"`
	Api string `json:"api"`
}

// ConfigJSON renders the pretty-printed config.json body and reports
// whether it differs from the file currently on disk.
func ConfigJSON(workingPath, dl, api string) (body []byte, changed bool, err error) {
	cfg := IndexConfig{Dl: dl, Api: api}
	body, err = json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, false, err
	}
	body = append(body, '\n')

	path := filepath.Join(workingPath, "config.json")
	existing, readErr := os.ReadFile(path)
	if readErr == nil && string(existing) == string(body) {
		return body, false, nil
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return nil, false, err
	}
	return body, true, nil
}

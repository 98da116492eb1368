// Package gitdriver wraps the git binary as a subprocess to maintain the
// bare index repository, its working clone, and the upstream sync.
package gitdriver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Runner executes a git command in dir and returns trimmed stdout, or the
// captured stderr wrapped into an error on failure.
type Runner interface {
	Run(ctx context.Context, dir string, args []string) (string, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Driver owns the git subprocess plumbing for a single index repository.
type Driver struct {
	runner      Runner
	httpBackend string
}

func New(runner Runner) *Driver {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Driver{runner: runner}
}

// ConvertArgs splits a shell-like command string into argv, recognizing
// double-quoted runs as a single token. An unterminated quote is an error.
func ConvertArgs(s string) ([]string, error) {
	var args []string
	var cur strings.Builder
	inQuote := false
	hasToken := false
	flush := func() {
		if hasToken {
			args = append(args, cur.String())
			cur.Reset()
			hasToken = false
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuote = !inQuote
			cur.WriteByte(c)
			hasToken = true
		case c == ' ' && !inQuote:
			flush()
		default:
			cur.WriteByte(c)
			hasToken = true
		}
	}
	if inQuote {
		return nil, errors.New("unterminated quote in command string")
	}
	flush()
	return args, nil
}

func isBareRepo(ctx context.Context, r Runner, dir string) bool {
	out, err := r.Run(ctx, dir, []string{"rev-parse", "--is-bare-repository"})
	return err == nil && out == "true"
}

func isWorkTree(ctx context.Context, r Runner, dir string) bool {
	out, err := r.Run(ctx, dir, []string{"rev-parse", "--is-inside-work-tree"})
	return err == nil && out == "true"
}

// InitRepo creates the bare index repo at indexPath (if missing), clones it
// into workingPath (if missing), and adds upstreamURL as the "upstream"
// remote of the clone.
func (d *Driver) InitRepo(ctx context.Context, indexPath, workingPath, upstreamURL string) error {
	if err := os.MkdirAll(indexPath, 0o755); err != nil {
		return err
	}
	if !isBareRepo(ctx, d.runner, indexPath) {
		if _, err := d.runner.Run(ctx, indexPath, []string{"init", "--bare"}); err != nil {
			return fmt.Errorf("init bare index repo: %w", err)
		}
	}

	if _, err := os.Stat(workingPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(workingPath), 0o755); err != nil {
			return err
		}
		if _, err := d.runner.Run(ctx, filepath.Dir(workingPath), []string{"clone", indexPath, workingPath}); err != nil {
			return fmt.Errorf("clone working repo: %w", err)
		}
	} else if !isWorkTree(ctx, d.runner, workingPath) {
		return fmt.Errorf("working path %s exists and is not a git work tree", workingPath)
	}

	if _, err := d.runner.Run(ctx, workingPath, []string{"remote", "add", "upstream", upstreamURL}); err != nil {
		// remote may already exist; that is not fatal.
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("add upstream remote: %w", err)
		}
	}
	return nil
}

// SyncUpstream pulls the configured upstream's master branch into the
// working clone. --progress is required: without it, some git versions
// buffer pull output until completion, making long mirrors look hung.
func (d *Driver) SyncUpstream(ctx context.Context, workingPath string) error {
	_, err := d.runner.Run(ctx, workingPath, []string{"pull", "--progress", "upstream", "master"})
	return err
}

// SyncIndex pushes the working clone's master branch to its origin, which
// is the bare index repo served to cargo clients.
func (d *Driver) SyncIndex(ctx context.Context, workingPath string) error {
	_, err := d.runner.Run(ctx, workingPath, []string{"push", "origin", "master"})
	return err
}

// Commit stages all changes in the working clone and commits them with
// message. message is inserted into a quoted token, matching the original
// convert_args-based commit command construction.
func (d *Driver) Commit(ctx context.Context, workingPath, message string) error {
	if _, err := d.runner.Run(ctx, workingPath, []string{"add", "."}); err != nil {
		return err
	}
	args, err := ConvertArgs(fmt.Sprintf(`commit -m "%s"`, message))
	if err != nil {
		return err
	}
	_, err = d.runner.Run(ctx, workingPath, unquote(args))
	return err
}

// unquote strips the surrounding double quotes ConvertArgs preserves on
// quoted tokens, since exec.Command wants raw argv entries.
func unquote(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if len(a) >= 2 && a[0] == '"' && a[len(a)-1] == '"' {
			out[i] = a[1 : len(a)-1]
		} else {
			out[i] = a
		}
	}
	return out
}

// FindHTTPBackend locates the git-http-backend CGI binary shipped
// alongside the git installation on PATH.
func FindHTTPBackend(ctx context.Context, r Runner) (string, error) {
	if r == nil {
		r = ExecRunner{}
	}
	if _, err := r.Run(ctx, "", []string{"--version"}); err != nil {
		return "", fmt.Errorf("git not found: %w", err)
	}
	which, err := exec.LookPath("git")
	if err != nil {
		return "", fmt.Errorf("git not found on PATH: %w", err)
	}
	candidates := []string{
		strings.Replace(which, "bin/git", "lib/git-core/git-http-backend", 1),
		strings.Replace(which, "bin/git", "libexec/git-core/git-http-backend", 1),
	}
	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && !st.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("git-http-backend not found near %s", which)
}

// Initialize runs the full first-time setup sequence: repo init, initial
// upstream sync, config.json rewrite + commit, and push to the index.
func (d *Driver) Initialize(ctx context.Context, indexPath, workingPath, upstreamURL string, writeConfigJSON func(workingPath string) (bool, error)) error {
	if err := d.InitRepo(ctx, indexPath, workingPath, upstreamURL); err != nil {
		return err
	}
	if err := d.SyncUpstream(ctx, workingPath); err != nil {
		return fmt.Errorf("initial upstream sync: %w", err)
	}
	changed, err := writeConfigJSON(workingPath)
	if err != nil {
		return fmt.Errorf("write config.json: %w", err)
	}
	if changed {
		if err := d.Commit(ctx, workingPath, "change config.json to mirror"); err != nil {
			return fmt.Errorf("commit config.json: %w", err)
		}
	}
	return d.SyncIndex(ctx, workingPath)
}

func (d *Driver) SetHTTPBackend(path string) { d.httpBackend = path }
func (d *Driver) HTTPBackend() string        { return d.httpBackend }

package gitdriver

import (
	"context"
	"errors"
	"testing"
)

func TestConvertArgs(t *testing.T) {
	got, err := ConvertArgs(`commit -m "change config.json to mirror"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"commit", "-m", `"change config.json to mirror"`}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestConvertArgsUnterminatedQuote(t *testing.T) {
	_, err := ConvertArgs(`commit -m "unterminated`)
	if err == nil {
		t.Fatal("expected error for unterminated quote")
	}
}

type fakeRunner struct {
	calls [][]string
	err   error
}

func (f *fakeRunner) Run(_ context.Context, _ string, args []string) (string, error) {
	f.calls = append(f.calls, args)
	return "", f.err
}

func TestCommitStagesThenCommits(t *testing.T) {
	r := &fakeRunner{}
	d := New(r)
	if err := d.Commit(context.Background(), "/tmp/work", "yank foo-1.0.0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(r.calls))
	}
	if r.calls[0][0] != "add" {
		t.Fatalf("expected add first, got %v", r.calls[0])
	}
	if r.calls[1][0] != "commit" || r.calls[1][2] != "yank foo-1.0.0" {
		t.Fatalf("unexpected commit args: %v", r.calls[1])
	}
}

func TestCommitPropagatesAddError(t *testing.T) {
	r := &fakeRunner{err: errors.New("boom")}
	d := New(r)
	if err := d.Commit(context.Background(), "/tmp/work", "msg"); err == nil {
		t.Fatal("expected error")
	}
}

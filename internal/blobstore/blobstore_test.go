package blobstore

import (
	"context"
	"errors"
	"io"
	"testing"
)

func TestOpenReturnsLocalArtifactWithoutFetching(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "https://example.invalid")
	if err := s.Put("foo", "1.0.0", []byte("hello")); err != nil {
		t.Fatalf("put: %v", err)
	}

	called := false
	rc, err := s.Open(context.Background(), "foo", "1.0.0", func() (string, error) {
		called = true
		return "", nil
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	if called {
		t.Fatal("did not expect upstream checksum lookup for a locally cached artifact")
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestOpenPropagatesChecksumLookupFailure(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "https://example.invalid")
	_, err := s.Open(context.Background(), "missing", "1.0.0", func() (string, error) {
		return "", errors.New("not in index")
	})
	if err == nil {
		t.Fatal("expected error when the artifact is missing locally and checksum lookup fails")
	}
}

package auth

import (
	"testing"

	"mirrorregistry/internal/regdb"
)

func TestHashInternalPasswordIsDeterministic(t *testing.T) {
	a := HashInternalPassword("alice", "salt1", "hunter2")
	b := HashInternalPassword("alice", "salt1", "hunter2")
	if a != b {
		t.Fatal("expected identical inputs to hash identically")
	}
	if c := HashInternalPassword("alice", "salt2", "hunter2"); c == a {
		t.Fatal("expected different salts to produce different hashes")
	}
}

func TestNonceTrackerIssueConsume(t *testing.T) {
	tr := &NonceTracker{}
	nonce, opaque := tr.Issue()
	if !tr.Consume(nonce, opaque) {
		t.Fatal("expected freshly issued nonce/opaque to be consumable")
	}
	if tr.Consume(nonce, opaque) {
		t.Fatal("expected a consumed nonce to not be reusable")
	}
}

func TestNonceTrackerEvictsOldest(t *testing.T) {
	tr := &NonceTracker{}
	first, firstOpaque := tr.Issue()
	for i := 0; i < maxNonces; i++ {
		tr.Issue()
	}
	if tr.Consume(first, firstOpaque) {
		t.Fatal("expected the oldest nonce to have been evicted once capacity was exceeded")
	}
}

func TestParseDigest(t *testing.T) {
	header := `username="alice", realm="mirrorregistry", nonce="abc", uri="/auth/login", qop=auth, nc=00000001, cnonce="xyz", response="deadbeef", opaque="opq"`
	c, err := ParseDigest(header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Username != "alice" || c.URI != "/auth/login" || c.Response != "deadbeef" {
		t.Fatalf("unexpected parse result: %+v", c)
	}
}

func TestParseDigestRejectsMissingFields(t *testing.T) {
	if _, err := ParseDigest(`realm="mirrorregistry"`); err == nil {
		t.Fatal("expected error for missing required fields")
	}
}

func TestVerifyLoginRejectsWrongURI(t *testing.T) {
	tr := &NonceTracker{}
	nonce, opaque := tr.Issue()
	c := DigestChallenge{Username: "alice", Nonce: nonce, Opaque: opaque, URI: "/api/v1/crates/new", Qop: "auth"}
	acct := regdb.Account{Username: "alice", Password: "ha1"}
	if err := VerifyLogin(c, "POST", acct, tr); err == nil {
		t.Fatal("expected error for a digest uri that does not target /auth/login")
	}
}

func TestVerifyLoginRejectsUnknownNonce(t *testing.T) {
	tr := &NonceTracker{}
	c := DigestChallenge{Username: "alice", Nonce: "made-up", Opaque: "made-up", URI: "/auth/login", Qop: "auth"}
	acct := regdb.Account{Username: "alice", Password: "ha1"}
	if err := VerifyLogin(c, "POST", acct, tr); err == nil {
		t.Fatal("expected error for an unrecognized nonce")
	}
}

func TestCheckOwner(t *testing.T) {
	acct := regdb.Account{Username: "alice"}
	if err := CheckOwner(acct, []string{"bob", "alice"}); err != nil {
		t.Fatalf("expected alice to be recognized as an owner: %v", err)
	}
	if err := CheckOwner(acct, []string{"bob"}); err == nil {
		t.Fatal("expected error when account is not in the owner list")
	}
}

package regdb

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertOnPublishInsertsNewPackage(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.UpsertOnPublish(ctx, PublishInfo{Name: "foo", Version: "1.0.0", IsStable: true}, "alice")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	p, err := db.Get(ctx, "foo")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Owners != "alice" {
		t.Fatalf("expected owner alice, got %q", p.Owners)
	}
	if p.MaxVersion != "1.0.0" || p.MaxStableVersion != "1.0.0" {
		t.Fatalf("unexpected versions: %+v", p)
	}
}

func TestUpsertOnPublishPreservesOwnersOnUpdate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.UpsertOnPublish(ctx, PublishInfo{Name: "foo", Version: "1.0.0", IsStable: true}, "alice"); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := db.UpsertOnPublish(ctx, PublishInfo{Name: "foo", Version: "1.1.0", IsStable: true}, "bob"); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	p, err := db.Get(ctx, "foo")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Owners != "alice" {
		t.Fatalf("expected owners to be preserved across update, got %q", p.Owners)
	}
	if p.MaxVersion != "1.1.0" {
		t.Fatalf("expected max_version to advance, got %q", p.MaxVersion)
	}
}

func TestAddAndRemoveOwner(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.CreateAccount(ctx, Account{Username: "bob", DisplayName: "Bob", Salt: "s", Type: "internal", Role: "user", Password: "x"}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := db.UpsertOnPublish(ctx, PublishInfo{Name: "foo", Version: "1.0.0", IsStable: true}, "alice"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := db.AddOwners(ctx, "foo", []string{"bob"}); err != nil {
		t.Fatalf("add owner: %v", err)
	}
	p, _ := db.Get(ctx, "foo")
	if len(p.OwnerList()) != 2 {
		t.Fatalf("expected 2 owners, got %v", p.OwnerList())
	}

	if err := db.AddOwners(ctx, "foo", []string{"bob"}); err == nil {
		t.Fatal("expected error adding an existing owner again")
	}

	if err := db.RemoveOwners(ctx, "foo", []string{"alice"}); err != nil {
		t.Fatalf("remove owner: %v", err)
	}
	if err := db.RemoveOwners(ctx, "foo", []string{"bob"}); err == nil {
		t.Fatal("expected error removing the last remaining owner")
	}
}

func TestRemoveOwnersBatchCanEmptyAMultiOwnerPackage(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.CreateAccount(ctx, Account{Username: "bob", DisplayName: "Bob", Salt: "s", Type: "internal", Role: "user", Password: "x"}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := db.UpsertOnPublish(ctx, PublishInfo{Name: "foo", Version: "1.0.0", IsStable: true}, "alice"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := db.AddOwners(ctx, "foo", []string{"bob"}); err != nil {
		t.Fatalf("add owner: %v", err)
	}

	// The pre-mutation owner count is 2, so a single request removing both
	// current owners must succeed even though it leaves zero owners.
	if err := db.RemoveOwners(ctx, "foo", []string{"alice", "bob"}); err != nil {
		t.Fatalf("expected batch removal of both owners to succeed: %v", err)
	}
	p, err := db.Get(ctx, "foo")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(p.OwnerList()) != 0 {
		t.Fatalf("expected no owners left, got %v", p.OwnerList())
	}
}

func TestAddOwnersBatchValidatesWholeBatchBeforeWriting(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.CreateAccount(ctx, Account{Username: "bob", DisplayName: "Bob", Salt: "s", Type: "internal", Role: "user", Password: "x"}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := db.UpsertOnPublish(ctx, PublishInfo{Name: "foo", Version: "1.0.0", IsStable: true}, "alice"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := db.AddOwners(ctx, "foo", []string{"bob", "carol"}); err == nil {
		t.Fatal("expected error when any username in the batch does not exist")
	}
	p, err := db.Get(ctx, "foo")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(p.OwnerList()) != 1 {
		t.Fatalf("expected no partial write when the batch fails validation, got %v", p.OwnerList())
	}
}

func TestSearchFallsBackToUpstreamWhenNoExactMatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.UpsertOnPublish(ctx, PublishInfo{Name: "foobar", Version: "1.0.0", IsStable: true}, "alice"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	called := false
	result, err := db.Search(ctx, "foo", 10, 1, func(ctx context.Context) (SearchResult, error) {
		called = true
		return SearchResult{Packages: []Package{{Name: "foo", MaxVersion: "2.0.0"}}, Total: 1}, nil
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !called {
		t.Fatal("expected upstream fallback to be invoked when no exact-name match exists locally")
	}
	if len(result.Packages) != 1 || result.Packages[0].Name != "foo" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSearchUsesLocalCacheOnExactMatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.UpsertOnPublish(ctx, PublishInfo{Name: "foo", Version: "1.0.0", IsStable: true}, "alice"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	called := false
	result, err := db.Search(ctx, "foo", 10, 1, func(ctx context.Context) (SearchResult, error) {
		called = true
		return SearchResult{}, nil
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if called {
		t.Fatal("did not expect upstream fallback when an exact-name match exists locally")
	}
	if len(result.Packages) != 1 {
		t.Fatalf("expected 1 local result, got %d", len(result.Packages))
	}
}

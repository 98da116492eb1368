// Package regdb is the SQLite-backed package and account store.
package regdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const DefaultPerPage = 10

type DB struct {
	db *sql.DB
}

func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	d := &DB{db: db}
	if err := d.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			salt TEXT NOT NULL,
			email TEXT,
			type TEXT NOT NULL,
			role TEXT NOT NULL,
			password TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_login TEXT,
			token TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS packages (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			updated_at TEXT NOT NULL,
			versions TEXT,
			keywords TEXT,
			categories TEXT,
			created_at TEXT NOT NULL,
			downloads INTEGER NOT NULL DEFAULT 0,
			recent_downloads INTEGER NOT NULL DEFAULT 0,
			max_version TEXT NOT NULL,
			newest_version TEXT NOT NULL,
			max_stable_version TEXT,
			description TEXT,
			homepage TEXT,
			documentation TEXT,
			repository TEXT,
			owners TEXT
		);`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Package is a row of the packages table.
type Package struct {
	ID                string
	Name              string
	UpdatedAt         time.Time
	Versions          string
	Keywords          string
	Categories        string
	CreatedAt         time.Time
	Downloads         int64
	RecentDownloads   int64
	MaxVersion        string
	NewestVersion     string
	MaxStableVersion  string
	Description       string
	Homepage          string
	Documentation     string
	Repository        string
	Owners            string // comma-separated usernames; empty means upstream-only
}

func (p Package) HasOwner() bool { return p.Owners != "" }

func (p Package) OwnerList() []string {
	if p.Owners == "" {
		return nil
	}
	return strings.Split(p.Owners, ",")
}

// Account is a row of the accounts table.
type Account struct {
	ID          int64
	Username    string
	DisplayName string
	Salt        string
	Email       string
	Type        string // "internal" or "ldap"
	Role        string // "root", "admin", "user"
	Password    string
	CreatedAt   time.Time
	LastLogin   string
	Token       string
}

func (a Account) IsAdmin() bool { return a.Role == "root" || a.Role == "admin" }

func scanPackage(row interface{ Scan(...any) error }) (Package, error) {
	var p Package
	var updated, created string
	var keywords, categories, description, homepage, documentation, repository, owners, maxStable, versions sql.NullString
	err := row.Scan(&p.ID, &p.Name, &updated, &versions, &keywords, &categories, &created,
		&p.Downloads, &p.RecentDownloads, &p.MaxVersion, &p.NewestVersion, &maxStable,
		&description, &homepage, &documentation, &repository, &owners)
	if err != nil {
		return Package{}, err
	}
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	p.CreatedAt, _ = time.Parse(time.RFC3339, created)
	p.Versions = versions.String
	p.Keywords = keywords.String
	p.Categories = categories.String
	p.Description = description.String
	p.Homepage = homepage.String
	p.Documentation = documentation.String
	p.Repository = repository.String
	p.Owners = owners.String
	p.MaxStableVersion = maxStable.String
	return p, nil
}

// Get returns the package row for the exact name.
func (d *DB) Get(ctx context.Context, name string) (Package, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, name, updated_at, versions, keywords, categories, created_at,
		       downloads, recent_downloads, max_version, newest_version, max_stable_version,
		       description, homepage, documentation, repository, owners
		FROM packages WHERE name = ?`, name)
	return scanPackage(row)
}

// SearchResult is the outcome of a package search, carrying the total
// count for pagination the way the original's windowed query does.
type SearchResult struct {
	Packages []Package
	Total    int64
}

// Search looks for name/description matches in the local cache. If there
// are no hits, or none whose name matches the keyword exactly, it falls
// back to the supplied upstream search and mirrors the results into the
// local cache via REPLACE, exactly as the original's crates_io::db::search
// does.
func (d *DB) Search(ctx context.Context, keyword string, perPage, page int, fallback func(ctx context.Context) (SearchResult, error)) (SearchResult, error) {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * perPage

	like := "%" + keyword + "%"
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, updated_at, versions, keywords, categories, created_at,
		       downloads, recent_downloads, max_version, newest_version, max_stable_version,
		       description, homepage, documentation, repository, owners,
		       COUNT(*) OVER () AS total
		FROM (
			SELECT * FROM packages WHERE name LIKE ? OR description LIKE ?
		) t
		LIMIT ? OFFSET ?`, like, like, perPage, offset)
	if err != nil {
		return SearchResult{}, err
	}
	defer rows.Close()

	var result SearchResult
	exact := false
	for rows.Next() {
		var p Package
		var updated, created string
		var keywords, categories, description, homepage, documentation, repository, owners, maxStable, versions sql.NullString
		var total int64
		if err := rows.Scan(&p.ID, &p.Name, &updated, &versions, &keywords, &categories, &created,
			&p.Downloads, &p.RecentDownloads, &p.MaxVersion, &p.NewestVersion, &maxStable,
			&description, &homepage, &documentation, &repository, &owners, &total); err != nil {
			return SearchResult{}, err
		}
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		p.CreatedAt, _ = time.Parse(time.RFC3339, created)
		p.Versions = versions.String
		p.Keywords = keywords.String
		p.Categories = categories.String
		p.Description = description.String
		p.Homepage = homepage.String
		p.Documentation = documentation.String
		p.Repository = repository.String
		p.Owners = owners.String
		p.MaxStableVersion = maxStable.String
		result.Total = total
		if p.Name == keyword {
			exact = true
		}
		result.Packages = append(result.Packages, p)
	}
	if err := rows.Err(); err != nil {
		return SearchResult{}, err
	}

	if result.Total == 0 || !exact {
		upstream, err := fallback(ctx)
		if err != nil {
			return SearchResult{}, err
		}
		for _, p := range upstream.Packages {
			if err := d.replaceFromUpstream(ctx, p); err != nil {
				return SearchResult{}, err
			}
		}
		return upstream, nil
	}

	sortByNameLength(result.Packages)
	return result, nil
}

func sortByNameLength(pkgs []Package) {
	for i := 1; i < len(pkgs); i++ {
		for j := i; j > 0 && len(pkgs[j-1].Name) > len(pkgs[j].Name); j-- {
			pkgs[j-1], pkgs[j] = pkgs[j], pkgs[j-1]
		}
	}
}

func (d *DB) replaceFromUpstream(ctx context.Context, p Package) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if p.ID == "" {
		p.ID = p.Name
	}
	_, err := d.db.ExecContext(ctx, `
		REPLACE INTO packages (
			id, name, updated_at, versions, keywords, categories, created_at,
			downloads, recent_downloads, max_version, newest_version, max_stable_version,
			description, homepage, documentation, repository, owners
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, now, p.Versions, p.Keywords, p.Categories, now,
		p.Downloads, p.RecentDownloads, p.MaxVersion, p.NewestVersion, nullable(p.MaxStableVersion),
		nullable(p.Description), nullable(p.Homepage), nullable(p.Documentation), nullable(p.Repository), nullable(p.Owners))
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// PublishInfo carries the parts of a publish request relevant to the
// package row, independent of the wire framing that produces it.
type PublishInfo struct {
	Name          string
	Version       string
	IsStable      bool
	Keywords      string
	Categories    string
	Description   string
	Homepage      string
	Documentation string
	Repository    string
}

// UpsertOnPublish inserts or updates the package row for a publish,
// preserving counters, created_at, and owners on update.
func (d *DB) UpsertOnPublish(ctx context.Context, info PublishInfo, owner string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	existing, err := d.Get(ctx, info.Name)
	if err == nil {
		maxStable := existing.MaxStableVersion
		if info.IsStable {
			// This mirrors the original's own quirk: only the new version's
			// stability gates the update, not whether it is >= the existing
			// stable version. See DESIGN.md for why this is kept, not fixed.
			maxStable = info.Version
		}
		_, err := d.db.ExecContext(ctx, `
			UPDATE packages SET
				updated_at = ?, keywords = ?, categories = ?,
				max_version = ?, newest_version = ?, max_stable_version = ?,
				description = ?, homepage = ?, documentation = ?, repository = ?
			WHERE name = ?`,
			now, nullable(info.Keywords), nullable(info.Categories),
			info.Version, info.Version, nullable(maxStable),
			nullable(info.Description), nullable(info.Homepage), nullable(info.Documentation), nullable(info.Repository),
			info.Name)
		return err
	}
	if err != sql.ErrNoRows {
		return err
	}

	maxStable := ""
	if info.IsStable {
		maxStable = info.Version
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO packages (
			id, name, updated_at, versions, keywords, categories, created_at,
			downloads, recent_downloads, max_version, newest_version, max_stable_version,
			description, homepage, documentation, repository, owners
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.Name, info.Name, now, nil, nullable(info.Keywords), nullable(info.Categories), now,
		info.Version, info.Version, nullable(maxStable),
		nullable(info.Description), nullable(info.Homepage), nullable(info.Documentation), nullable(info.Repository), owner)
	return err
}

// IncrementDownloads bumps both the total and recent download counters.
func (d *DB) IncrementDownloads(ctx context.Context, name string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE packages SET downloads = downloads + 1, recent_downloads = recent_downloads + 1
		WHERE name = ?`, name)
	return err
}

// AddOwners appends usernames to the package's owner list in a single
// pass: every username is validated against one pre-mutation snapshot of
// the owner list (must already be a known account, must not already be
// an owner) before any write, and the combined result is written with
// one UPDATE.
func (d *DB) AddOwners(ctx context.Context, name string, usernames []string) error {
	p, err := d.Get(ctx, name)
	if err != nil {
		return err
	}
	existing := p.OwnerList()
	owners := append([]string{}, existing...)
	for _, username := range usernames {
		var exists bool
		if err := d.db.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE username = ?`, username).Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("user %s does not exist", username)
			}
			return err
		}
		for _, o := range existing {
			if o == username {
				return fmt.Errorf("%s is already an owner of %s", username, name)
			}
		}
		owners = append(owners, username)
	}
	_, err = d.db.ExecContext(ctx, `UPDATE packages SET owners = ? WHERE name = ?`, strings.Join(owners, ","), name)
	return err
}

// RemoveOwners removes usernames from the package's owner list in a
// single pass. The "last remaining owner" guard is checked once, against
// the pre-mutation owner count, so a batch that removes every current
// owner from a package that started with more than one owner is allowed
// to succeed.
func (d *DB) RemoveOwners(ctx context.Context, name string, usernames []string) error {
	p, err := d.Get(ctx, name)
	if err != nil {
		return err
	}
	owners := p.OwnerList()
	if len(owners) == 1 {
		return fmt.Errorf("%s has only one owner, can not remove anymore", name)
	}

	remove := make(map[string]bool, len(usernames))
	for _, username := range usernames {
		found := false
		for _, o := range owners {
			if o == username {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%s is not an owner of %s", username, name)
		}
		remove[username] = true
	}

	var kept []string
	for _, o := range owners {
		if !remove[o] {
			kept = append(kept, o)
		}
	}
	_, err = d.db.ExecContext(ctx, `UPDATE packages SET owners = ? WHERE name = ?`, strings.Join(kept, ","), name)
	return err
}

// GetOwners resolves a package's owner usernames to full account rows.
func (d *DB) GetOwners(ctx context.Context, name string) ([]Account, error) {
	p, err := d.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	names := p.OwnerList()
	if len(names) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, n := range names {
		placeholders[i] = "?"
		args[i] = n
	}
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, username, display_name, salt, email, type, role, password, created_at, last_login, token
		FROM accounts WHERE username IN (%s)`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func scanAccount(row interface{ Scan(...any) error }) (Account, error) {
	var a Account
	var email, lastLogin, token sql.NullString
	var created string
	if err := row.Scan(&a.ID, &a.Username, &a.DisplayName, &a.Salt, &email, &a.Type, &a.Role, &a.Password, &created, &lastLogin, &token); err != nil {
		return Account{}, err
	}
	a.Email = email.String
	a.LastLogin = lastLogin.String
	a.Token = token.String
	a.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return a, nil
}

func (d *DB) GetAccountByToken(ctx context.Context, token string) (Account, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, salt, email, type, role, password, created_at, last_login, token
		FROM accounts WHERE token = ?`, token)
	return scanAccount(row)
}

func (d *DB) GetAccountByUsername(ctx context.Context, username string) (Account, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, salt, email, type, role, password, created_at, last_login, token
		FROM accounts WHERE username = ?`, username)
	return scanAccount(row)
}

func (d *DB) HasRootAccount(ctx context.Context) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE role = 'root' LIMIT 1`).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (d *DB) CreateAccount(ctx context.Context, a Account) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO accounts (username, display_name, salt, email, type, role, password, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Username, a.DisplayName, a.Salt, nullable(a.Email), a.Type, a.Role, a.Password, now)
	return err
}

func (d *DB) UpdateLoginToken(ctx context.Context, username, token string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := d.db.ExecContext(ctx, `UPDATE accounts SET token = ?, last_login = ? WHERE username = ?`, token, now, username)
	return err
}

func (d *DB) UpdatePassword(ctx context.Context, username, password string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE accounts SET password = ? WHERE username = ?`, password, username)
	return err
}

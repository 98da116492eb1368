// Package auth implements the digest-auth and LDAP login flows that gate
// the registry's token-checked operations.
package auth

import (
	"context"
	"crypto/md5" //nolint:gosec // wire-compatible with the upstream digest-auth scheme
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"

	"mirrorregistry/internal/regdb"
)

const (
	RoleRoot  = "root"
	RoleAdmin = "admin"
	RoleUser  = "user"

	TypeInternal = "internal"
	TypeLdap     = "ldap"

	// realm is fixed and intentionally independent of the account password
	// salt. The original aliases a single global SALT as both the digest
	// realm and the password salt; this repo keeps them separate.
	realm = "mirrorregistry"

	maxNonces = 256
)

var ErrUnauthorized = errors.New("unauthorized")
var ErrForbidden = errors.New("forbidden")

// GetByToken resolves a bearer token to its account, as consumed by the
// registry pipeline's publish/yank/owner operations.
func GetByToken(ctx context.Context, db *regdb.DB, token string) (regdb.Account, error) {
	if strings.TrimSpace(token) == "" {
		return regdb.Account{}, ErrUnauthorized
	}
	acct, err := db.GetAccountByToken(ctx, token)
	if err != nil {
		return regdb.Account{}, ErrUnauthorized
	}
	return acct, nil
}

// CheckOwner reports whether account is present in owners.
func CheckOwner(account regdb.Account, owners []string) error {
	for _, o := range owners {
		if o == account.Username {
			return nil
		}
	}
	return ErrForbidden
}

func HashInternalPassword(username, salt, plaintext string) string {
	sum := md5.Sum([]byte(username + ":" + salt + ":" + plaintext))
	return hex.EncodeToString(sum[:])
}

// nonceEntry pairs a server nonce with its matching opaque value.
type nonceEntry struct {
	nonce, opaque string
}

// NonceTracker hands out fresh nonce/opaque pairs for WWW-Authenticate
// challenges and validates + consumes them on the following request,
// bounded to the most recent maxNonces outstanding challenges.
type NonceTracker struct {
	mu      sync.Mutex
	entries []nonceEntry
}

func (t *NonceTracker) Issue() (nonce, opaque string) {
	nonce = uuid.NewString()
	opaque = uuid.NewString()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= maxNonces {
		t.entries = t.entries[1:]
	}
	t.entries = append(t.entries, nonceEntry{nonce, opaque})
	return nonce, opaque
}

// Consume removes and validates a (nonce, opaque) pair issued by Issue.
func (t *NonceTracker) Consume(nonce, opaque string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e.nonce == nonce && e.opaque == opaque {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// DigestChallenge is a parsed Authorization: Digest header.
type DigestChallenge struct {
	Username, Realm, Nonce, URI, Qop, NC, CNonce, Response, Opaque string
}

// ParseDigest parses the comma-separated key="value" pairs of a Digest
// Authorization header value (without the leading "Digest" scheme token).
func ParseDigest(header string) (DigestChallenge, error) {
	var c DigestChallenge
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch key {
		case "username":
			c.Username = val
		case "realm":
			c.Realm = val
		case "nonce":
			c.Nonce = val
		case "uri":
			c.URI = val
		case "qop":
			c.Qop = val
		case "nc":
			c.NC = val
		case "cnonce":
			c.CNonce = val
		case "response":
			c.Response = val
		case "opaque":
			c.Opaque = val
		}
	}
	if c.Username == "" || c.Nonce == "" || c.Response == "" {
		return DigestChallenge{}, errors.New("malformed digest authorization header")
	}
	return c, nil
}

// Challenge builds the WWW-Authenticate header value for a fresh login
// attempt and registers its nonce/opaque pair for later validation.
func (t *NonceTracker) Challenge() string {
	nonce, opaque := t.Issue()
	return fmt.Sprintf(`Digest realm="%s",qop="auth",nonce="%s",opaque="%s"`, realm, nonce, opaque)
}

// VerifyLogin validates a parsed digest challenge against the account's
// stored password (already HA1 = md5(username:realm:password) equivalent
// in this scheme: account.Password is the plaintext-derived hash produced
// by HashInternalPassword, used directly as HA1).
func VerifyLogin(c DigestChallenge, method string, account regdb.Account, tracker *NonceTracker) error {
	if !strings.HasPrefix(c.URI, "/auth/login") {
		return errors.New("digest uri must target the login endpoint")
	}
	if !tracker.Consume(c.Nonce, c.Opaque) {
		return errors.New("unknown or expired nonce")
	}
	if c.Qop != "auth" {
		return errors.New("unsupported qop")
	}
	ha1 := account.Password
	ha2 := md5Hex(method + ":" + c.URI)
	want := md5Hex(strings.Join([]string{ha1, c.Nonce, c.NC, c.CNonce, c.Qop, ha2}, ":"))
	if subtle.ConstantTimeCompare([]byte(want), []byte(c.Response)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func md5Hex(s string) string { //nolint:gosec
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// NewToken generates a fresh session token for a successful login.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// LdapConfig describes how to bind to and search a directory server.
type LdapConfig struct {
	Hostname string
	BaseDN   string
	Domain   string
	Username string
	Password string
}

// LdapLogin binds as the configured service account, searches for the
// user by sAMAccountName/uid/mail, then rebinds as that user to verify
// the supplied password. A successful login returns the supplied username
// unchanged, to be used for account auto-materialization; the matched DN
// is not used.
func LdapLogin(cfg LdapConfig, username, password string) (string, error) {
	conn, err := ldap.DialURL("ldap://" + cfg.Hostname)
	if err != nil {
		return "", fmt.Errorf("connect to ldap server: %w", err)
	}
	defer conn.Close()

	if err := conn.Bind(cfg.Username, cfg.Password); err != nil {
		return "", fmt.Errorf("ldap service bind: %w", err)
	}

	searchReq := ldap.NewSearchRequest(
		cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		fmt.Sprintf("(|(sAMAccountName=%s)(uid=%s)(mail=%s))",
			ldap.EscapeFilter(username), ldap.EscapeFilter(username), ldap.EscapeFilter(username)),
		[]string{"dn", "cn", "mail"}, nil)
	result, err := conn.Search(searchReq)
	if err != nil {
		return "", fmt.Errorf("ldap search: %w", err)
	}
	if len(result.Entries) != 1 {
		return "", fmt.Errorf("ldap user %s not found or ambiguous", username)
	}
	dn := result.Entries[0].DN

	userConn, err := ldap.DialURL("ldap://" + cfg.Hostname)
	if err != nil {
		return "", fmt.Errorf("connect to ldap server: %w", err)
	}
	defer userConn.Close()
	bindUser := username
	if cfg.Domain != "" {
		bindUser = username + "@" + cfg.Domain
	}
	if err := userConn.Bind(bindUser, password); err != nil {
		return "", ErrUnauthorized
	}
	_ = dn
	return username, nil
}

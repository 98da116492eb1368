// Package registry implements the publish/yank/owner/search/download
// pipeline, tying the git driver, index engine, blob store, and package DB
// together.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"mirrorregistry/internal/admin"
	"mirrorregistry/internal/auth"
	"mirrorregistry/internal/blobstore"
	"mirrorregistry/internal/gitdriver"
	"mirrorregistry/internal/index"
	"mirrorregistry/internal/regdb"
)

// maxFrameLen bounds both the metadata and crate-data lengths read off a
// publish request's wire frame. The original does not bound these at all,
// letting a malformed u32 length drive an unbounded allocation; this repo
// rejects anything larger than 100 MiB per section as a hardening fix.
const maxFrameLen = 100 << 20

var ErrPayloadTooLarge = errors.New("publish payload section exceeds size limit")

type Pipeline struct {
	DB         *regdb.DB
	Index      *index.Engine
	Blobs      *blobstore.Store
	Driver     *gitdriver.Driver
	Gate       *admin.Gate
	WorkingDir func() string
	UpstreamURL func() string
}

// CrateInfo is the publish metadata JSON blob, matching the wire format
// cargo publish clients send.
type CrateInfo struct {
	Name          string                         `json:"name"`
	Vers          string                         `json:"vers"`
	Deps          []index.Dependency             `json:"deps"`
	Features      map[string][]string            `json:"features"`
	Authors       []string                       `json:"authors"`
	Description   *string                        `json:"description,omitempty"`
	Documentation *string                        `json:"documentation,omitempty"`
	Homepage      *string                        `json:"homepage,omitempty"`
	Readme        *string                        `json:"readme,omitempty"`
	ReadmeFile    *string                        `json:"readme_file,omitempty"`
	Keywords      []string                       `json:"keywords"`
	Categories    []string                       `json:"categories"`
	License       *string                        `json:"license,omitempty"`
	LicenseFile   *string                        `json:"license_file,omitempty"`
	Repository    *string                        `json:"repository,omitempty"`
	Links         *string                        `json:"links,omitempty"`
}

// ParsePublishFrame parses the u32-LE-length-prefixed metadata+crate-bytes
// payload cargo publish sends: [u32 meta_len][meta_json][u32 crate_len][crate_bytes].
func ParsePublishFrame(r io.Reader) (CrateInfo, []byte, error) {
	metaLen, err := readU32(r)
	if err != nil {
		return CrateInfo{}, nil, err
	}
	if metaLen > maxFrameLen {
		return CrateInfo{}, nil, ErrPayloadTooLarge
	}
	metaBytes := make([]byte, metaLen)
	if _, err := io.ReadFull(r, metaBytes); err != nil {
		return CrateInfo{}, nil, fmt.Errorf("read metadata: %w", err)
	}
	var info CrateInfo
	if err := json.Unmarshal(metaBytes, &info); err != nil {
		return CrateInfo{}, nil, fmt.Errorf("parse metadata: %w", err)
	}

	crateLen, err := readU32(r)
	if err != nil {
		return CrateInfo{}, nil, err
	}
	if crateLen > maxFrameLen {
		return CrateInfo{}, nil, ErrPayloadTooLarge
	}
	crateBytes := make([]byte, crateLen)
	if _, err := io.ReadFull(r, crateBytes); err != nil {
		return CrateInfo{}, nil, fmt.Errorf("read crate bytes: %w", err)
	}
	return info, crateBytes, nil
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("read length prefix: %w", err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// PublishResult reports the outcome of a successful publish.
type PublishResult struct {
	Name, Version, Cksum string
}

// Publish runs the full publish pipeline. Unlike the original, which
// upserts the DB row before writing the artifact and mutating the index
// (leaving the DB authoritative over an index that may still lag on a
// crash), this commits artifact -> index -> git commit -> git push first
// and only updates the DB once the git state is durable.
func (p *Pipeline) Publish(ctx context.Context, account regdb.Account, info CrateInfo, crateData []byte) (PublishResult, error) {
	if existing, err := p.DB.Get(ctx, info.Name); err == nil {
		if !existing.HasOwner() {
			return PublishResult{}, fmt.Errorf("no owner found, this is an upstream package, can not be modified")
		}
		if err := auth.CheckOwner(account, existing.OwnerList()); err != nil {
			return PublishResult{}, err
		}
	}

	sum := sha256.Sum256(crateData)
	cksum := hex.EncodeToString(sum[:])

	if err := p.Blobs.Put(info.Name, info.Vers, crateData); err != nil {
		return PublishResult{}, fmt.Errorf("store crate artifact: %w", err)
	}

	meta := index.Metadata{
		Name:     info.Name,
		Vers:     info.Vers,
		Deps:     info.Deps,
		Cksum:    cksum,
		Features: info.Features,
		Links:    info.Links,
	}
	if err := p.Index.Append(meta); err != nil {
		return PublishResult{}, fmt.Errorf("append to index: %w", err)
	}

	if err := p.Driver.Commit(ctx, p.WorkingDir(), fmt.Sprintf("publish %s-%s", info.Name, info.Vers)); err != nil {
		return PublishResult{}, fmt.Errorf("commit index: %w", err)
	}
	if err := p.Driver.SyncIndex(ctx, p.WorkingDir()); err != nil {
		return PublishResult{}, fmt.Errorf("push index: %w", err)
	}

	pubInfo := regdb.PublishInfo{
		Name:          info.Name,
		Version:       info.Vers,
		IsStable:      isStable(info.Vers),
		Keywords:      strings.Join(info.Keywords, ","),
		Categories:    strings.Join(info.Categories, ","),
		Description:   deref(info.Description),
		Homepage:      deref(info.Homepage),
		Documentation: deref(info.Documentation),
		Repository:    deref(info.Repository),
	}
	if err := p.DB.UpsertOnPublish(ctx, pubInfo, account.Username); err != nil {
		return PublishResult{}, fmt.Errorf("update package record: %w", err)
	}

	return PublishResult{Name: info.Name, Version: info.Vers, Cksum: cksum}, nil
}

func isStable(vers string) bool {
	return !strings.Contains(vers, "-") && !strings.Contains(vers, "+")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (p *Pipeline) checkOwner(ctx context.Context, account regdb.Account, name string) error {
	pkg, err := p.DB.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("package %s not found: %w", name, err)
	}
	if !pkg.HasOwner() {
		return errors.New("no owner found, this is an upstream package, can not be modified")
	}
	return auth.CheckOwner(account, pkg.OwnerList())
}

func (p *Pipeline) yankInternal(ctx context.Context, account regdb.Account, name, version string, yanked bool) error {
	if err := p.checkOwner(ctx, account, name); err != nil {
		return err
	}
	if err := p.Index.SetYank(name, version, yanked); err != nil {
		return err
	}
	verb := "unyank"
	if yanked {
		verb = "yank"
	}
	if err := p.Driver.Commit(ctx, p.WorkingDir(), fmt.Sprintf("%s %s-%s", verb, name, version)); err != nil {
		return err
	}
	return p.Driver.SyncIndex(ctx, p.WorkingDir())
}

func (p *Pipeline) Yank(ctx context.Context, account regdb.Account, name, version string) error {
	return p.yankInternal(ctx, account, name, version, true)
}

func (p *Pipeline) Unyank(ctx context.Context, account regdb.Account, name, version string) error {
	return p.yankInternal(ctx, account, name, version, false)
}

func (p *Pipeline) ListOwners(ctx context.Context, name string) ([]regdb.Account, error) {
	return p.DB.GetOwners(ctx, name)
}

func (p *Pipeline) AddOwner(ctx context.Context, account regdb.Account, name string, newOwners []string) error {
	if err := p.checkOwner(ctx, account, name); err != nil {
		return err
	}
	return p.DB.AddOwners(ctx, name, newOwners)
}

func (p *Pipeline) RemoveOwner(ctx context.Context, account regdb.Account, name string, owners []string) error {
	if err := p.checkOwner(ctx, account, name); err != nil {
		return err
	}
	return p.DB.RemoveOwners(ctx, name, owners)
}

func (p *Pipeline) Search(ctx context.Context, q string, perPage, page int, upstream func(ctx context.Context) (regdb.SearchResult, error)) (regdb.SearchResult, error) {
	return p.DB.Search(ctx, q, perPage, page, upstream)
}

func (p *Pipeline) Download(ctx context.Context, name, version string) (io.ReadCloser, error) {
	rc, err := p.Blobs.Open(ctx, name, version, func() (string, error) {
		m, err := p.Index.GetExact(name, version)
		if err != nil {
			return "", err
		}
		return m.Cksum, nil
	})
	if err != nil {
		return nil, err
	}
	_ = p.DB.IncrementDownloads(ctx, name)
	return rc, nil
}

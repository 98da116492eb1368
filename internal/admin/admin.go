// Package admin gates the one-time initialization sequence and the
// visibility of configuration to admin vs. anonymous callers.
package admin

import (
	"context"
	"errors"
	"sync"

	"mirrorregistry/internal/config"
	"mirrorregistry/internal/gitdriver"
	"mirrorregistry/internal/index"
)

var ErrAlreadyInitializing = errors.New("already initializing, please wait")

// Gate tracks the inited/busy latches of the git mirror and exposes the
// admin-only initialize operation.
type Gate struct {
	driver      *gitdriver.Driver
	indexPath   func() string
	workingPath func() string
	upstreamURL func() string
	dlURL       func() string
	apiURL      func() string

	initedMu sync.Mutex
	inited   bool
	busyMu   sync.Mutex
	busy     bool
}

func NewGate(driver *gitdriver.Driver, indexPath, workingPath, upstreamURL, dlURL, apiURL func() string) *Gate {
	return &Gate{driver: driver, indexPath: indexPath, workingPath: workingPath, upstreamURL: upstreamURL, dlURL: dlURL, apiURL: apiURL}
}

func (g *Gate) Inited() bool {
	g.initedMu.Lock()
	defer g.initedMu.Unlock()
	return g.inited
}

func (g *Gate) Busy() bool {
	g.busyMu.Lock()
	defer g.busyMu.Unlock()
	return g.busy
}

// Initialize runs the first-time git setup exactly once. A second caller
// arriving while it is running gets ErrAlreadyInitializing rather than
// blocking, matching the original's busy-flag semantics.
func (g *Gate) Initialize(ctx context.Context) error {
	if g.Inited() {
		return nil
	}

	g.busyMu.Lock()
	if g.busy {
		g.busyMu.Unlock()
		return ErrAlreadyInitializing
	}
	g.busy = true
	g.busyMu.Unlock()

	defer func() {
		g.busyMu.Lock()
		g.busy = false
		g.busyMu.Unlock()
	}()

	err := g.driver.Initialize(ctx, g.indexPath(), g.workingPath(), g.upstreamURL(), func(workingPath string) (bool, error) {
		_, changed, err := index.ConfigJSON(workingPath, g.dlURL(), g.apiURL())
		return changed, err
	})
	if err != nil {
		return err
	}

	g.initedMu.Lock()
	g.inited = true
	g.initedMu.Unlock()
	return nil
}

// ConfigView renders the admin-visible or redacted configuration document
// depending on isAdmin, matching the original's get_config handler.
type ConfigView struct {
	Inited           bool    `json:"inited"`
	CanCreateAccount bool    `json:"can_create_account"`
	Address          string  `json:"address"`
	LdapHostname     *string `json:"ldap_hostname,omitempty"`
	Interval         *string `json:"interval,omitempty"`
	Busy             *bool   `json:"busy,omitempty"`
}

func RenderConfig(doc config.Document, inited, busy, isAdmin bool) ConfigView {
	view := ConfigView{
		Inited:           inited,
		CanCreateAccount: doc.CanCreateAccount,
		Address:          doc.Address,
	}
	if doc.Ldap != nil {
		h := doc.Ldap.Hostname
		view.LdapHostname = &h
	}
	if isAdmin {
		formatted := config.FormatInterval(doc.Interval)
		view.Interval = &formatted
		b := busy
		view.Busy = &b
	}
	return view
}

// Package api wires the registry pipeline, git CGI bridge, and admin gate
// onto a chi router.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"mirrorregistry/internal/admin"
	"mirrorregistry/internal/auth"
	"mirrorregistry/internal/cgibridge"
	"mirrorregistry/internal/config"
	"mirrorregistry/internal/regdb"
	"mirrorregistry/internal/registry"
)

// UpstreamSearch looks up q on the upstream registry, used as the
// fallback when the local cache has no exact-name hit.
type UpstreamSearch func(ctx context.Context, q string, perPage, page int) (regdb.SearchResult, error)

type Server struct {
	cfg            config.StartupConfig
	cfgStore       *config.Store
	db             *regdb.DB
	pipeline       *registry.Pipeline
	gate           *admin.Gate
	bridge         *cgibridge.Bridge
	nonces         *auth.NonceTracker
	upstreamSearch UpstreamSearch
	log            *log.Logger
}

func New(cfg config.StartupConfig, cfgStore *config.Store, db *regdb.DB, pipeline *registry.Pipeline, gate *admin.Gate, bridge *cgibridge.Bridge, upstreamSearch UpstreamSearch, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "mirrorregistry ", log.LstdFlags|log.LUTC)
	}
	return &Server{cfg: cfg, cfgStore: cfgStore, db: db, pipeline: pipeline, gate: gate, bridge: bridge, nonces: &auth.NonceTracker{}, upstreamSearch: upstreamSearch, log: logger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/v1/crates", func(r chi.Router) {
		r.Get("/", s.handleSearch)
		r.Get("/{name}/{version}/download", s.handleDownload)
		r.Put("/new", s.handlePublish)
		r.Delete("/{name}/{version}/yank", s.handleYank)
		r.Put("/{name}/{version}/unyank", s.handleUnyank)
		r.Get("/{name}/owners", s.handleListOwners)
		r.Put("/{name}/owners", s.handleAddOwner)
		r.Delete("/{name}/owners", s.handleRemoveOwner)
	})

	r.Handle("/registry/*", s.bridge)

	r.Route("/web_api", func(r chi.Router) {
		r.Get("/config", s.handleGetConfig)
		r.Post("/config", s.handleSetConfig)
		r.Get("/init", s.handleInit)
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/ldap_login", s.handleLdapLogin)
	})

	return r
}

func (s *Server) tokenAccount(r *http.Request) (regdb.Account, error) {
	return auth.GetByToken(r.Context(), s.db, r.Header.Get("Authorization"))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page == 0 {
		page = 1
	}

	result, err := s.pipeline.Search(r.Context(), q, perPage, page, func(ctx context.Context) (regdb.SearchResult, error) {
		return s.upstreamSearch(ctx, q, perPage, page)
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	version := chi.URLParam(r, "version")
	rc, err := s.pipeline.Download(r.Context(), name, version)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, rc)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	account, err := s.tokenAccount(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	info, crateData, err := registry.ParsePublishFrame(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := s.pipeline.Publish(r.Context(), account, info, crateData)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"warnings": map[string]any{}, "cksum": result.Cksum})
}

func (s *Server) handleYank(w http.ResponseWriter, r *http.Request) {
	s.yank(w, r, true)
}

func (s *Server) handleUnyank(w http.ResponseWriter, r *http.Request) {
	s.yank(w, r, false)
}

func (s *Server) yank(w http.ResponseWriter, r *http.Request, yanked bool) {
	account, err := s.tokenAccount(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	name := chi.URLParam(r, "name")
	version := chi.URLParam(r, "version")
	if yanked {
		err = s.pipeline.Yank(r.Context(), account, name, version)
	} else {
		err = s.pipeline.Unyank(r.Context(), account, name, version)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListOwners(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	owners, err := s.pipeline.ListOwners(r.Context(), name)
	if err != nil {
		writeErr(w, err)
		return
	}
	logins := make([]map[string]string, 0, len(owners))
	for _, o := range owners {
		logins = append(logins, map[string]string{"login": o.Username, "name": o.DisplayName})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": logins})
}

type ownerRequest struct {
	Users []string `json:"users"`
}

func (s *Server) handleAddOwner(w http.ResponseWriter, r *http.Request) {
	account, err := s.tokenAccount(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	name := chi.URLParam(r, "name")
	var req ownerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.pipeline.AddOwner(r.Context(), account, name, req.Users); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRemoveOwner(w http.ResponseWriter, r *http.Request) {
	account, err := s.tokenAccount(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	name := chi.URLParam(r, "name")
	var req ownerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.pipeline.RemoveOwner(r.Context(), account, name, req.Users); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) isAdminRequest(r *http.Request) bool {
	account, err := s.tokenAccount(r)
	return err == nil && account.IsAdmin()
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	doc := s.cfgStore.Snapshot()
	view := admin.RenderConfig(doc, s.gate.Inited(), s.gate.Busy(), s.isAdminRequest(r))
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if !s.isAdminRequest(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var patch struct {
		Address          *string `json:"address"`
		Interval         *string `json:"interval"`
		CanCreateAccount *bool   `json:"can_create_account"`
		Ldap             *config.Ldap `json:"ldap"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	err := s.cfgStore.Update(func(doc *config.Document) error {
		if patch.Address != nil {
			doc.Address = *patch.Address
		}
		if patch.Interval != nil {
			d, err := config.ParseInterval(*patch.Interval)
			if err != nil {
				return err
			}
			doc.Interval = d
		}
		if patch.CanCreateAccount != nil {
			doc.CanCreateAccount = *patch.CanCreateAccount
		}
		doc.Ldap = patch.Ldap
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if !s.isAdminRequest(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if err := s.gate.Initialize(r.Context()); err != nil {
		if errors.Is(err, admin.ErrAlreadyInitializing) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, fmt.Sprintf("initialize failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Digest ") {
		w.Header().Set("WWW-Authenticate", s.nonces.Challenge())
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	challenge, err := auth.ParseDigest(strings.TrimPrefix(header, "Digest "))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	account, err := s.db.GetAccountByUsername(r.Context(), challenge.Username)
	if err != nil || account.Type != auth.TypeInternal {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := auth.VerifyLogin(challenge, r.Method, account, s.nonces); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	token := auth.NewToken()
	if err := s.db.UpdateLoginToken(r.Context(), account.Username, token); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLdapLogin(w http.ResponseWriter, r *http.Request) {
	doc := s.cfgStore.Snapshot()
	if doc.Ldap == nil {
		http.Error(w, "ldap not configured", http.StatusBadRequest)
		return
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="mirrorregistry"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	cfg := auth.LdapConfig{Hostname: doc.Ldap.Hostname, BaseDN: doc.Ldap.BaseDN, Domain: doc.Ldap.Domain, Username: doc.Ldap.Username, Password: doc.Ldap.Password}
	resolved, err := auth.LdapLogin(cfg, username, password)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := s.db.GetAccountByUsername(r.Context(), resolved); err != nil {
		if err := s.db.CreateAccount(r.Context(), regdb.Account{
			Username: resolved, DisplayName: resolved, Type: auth.TypeLdap, Role: auth.RoleUser,
		}); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	token := auth.NewToken()
	if err := s.db.UpdateLoginToken(r.Context(), resolved, token); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, auth.ErrUnauthorized):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

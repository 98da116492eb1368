package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"mirrorregistry/internal/admin"
	"mirrorregistry/internal/api"
	"mirrorregistry/internal/auth"
	"mirrorregistry/internal/blobstore"
	"mirrorregistry/internal/cgibridge"
	"mirrorregistry/internal/config"
	"mirrorregistry/internal/gitdriver"
	"mirrorregistry/internal/index"
	"mirrorregistry/internal/regdb"
	"mirrorregistry/internal/registry"
	"mirrorregistry/internal/scheduler"
)

func main() {
	logger := log.New(os.Stdout, "mirrorregistry ", log.LstdFlags|log.LUTC)

	startup, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	cfgStore, err := config.NewStore(startup.StatePath, fmt.Sprintf("http://localhost%s", startup.Addr))
	if err != nil {
		logger.Fatalf("config store: %v", err)
	}

	db, err := regdb.Open(startup.DatabasePath)
	if err != nil {
		logger.Fatalf("db: %v", err)
	}
	defer db.Close()

	if err := bootstrapRoot(db); err != nil {
		logger.Fatalf("bootstrap root: %v", err)
	}

	driver := gitdriver.New(nil)
	backendPath, err := gitdriver.FindHTTPBackend(context.Background(), nil)
	if err != nil {
		logger.Fatalf("git-http-backend: %v", err)
	}

	idx := index.New(func() string { return startup.GitWorkingPath })
	blobs := blobstore.New(startup.CratesStoragePath, startup.CratesUpstreamURL)

	gate := admin.NewGate(driver,
		func() string { return startup.GitIndexPath },
		func() string { return startup.GitWorkingPath },
		func() string { return startup.GitUpstreamURL },
		func() string { return cfgStore.Snapshot().Address + "/api/v1/crates" },
		func() string { return cfgStore.Snapshot().Address },
	)

	pipeline := &registry.Pipeline{
		DB:          db,
		Index:       idx,
		Blobs:       blobs,
		Driver:      driver,
		Gate:        gate,
		WorkingDir:  func() string { return startup.GitWorkingPath },
		UpstreamURL: func() string { return startup.GitUpstreamURL },
	}

	bridge := &cgibridge.Bridge{
		Prefix:    "/registry/crates.io-index",
		Backend:   backendPath,
		IndexPath: func() string { return startup.GitIndexPath },
		Inited:    gate.Inited,
	}

	upstreamSearch := upstreamSearchFunc(startup.CratesUpstreamURL)

	srv := api.New(startup, cfgStore, db, pipeline, gate, bridge, upstreamSearch, logger)

	sched := scheduler.New(driver, gate, func() string { return startup.GitWorkingPath }, func() time.Duration { return cfgStore.Snapshot().Interval }, logger)
	schedCtx, cancelSched := context.WithCancel(context.Background())
	go sched.Run(schedCtx)
	defer cancelSched()

	httpSrv := &http.Server{
		Addr:              startup.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", startup.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Printf("shutting down...")
	_ = httpSrv.Close()
}

// bootstrapRoot creates the root account on first run, if none exists.
// The interactive username/password prompt of the original is out of
// scope here (see SPEC_FULL.md); operators provide it via environment
// variables instead.
func bootstrapRoot(db *regdb.DB) error {
	ctx := context.Background()
	has, err := db.HasRootAccount(ctx)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	username := os.Getenv("MR_ROOT_USERNAME")
	password := os.Getenv("MR_ROOT_PASSWORD")
	if username == "" || password == "" {
		return fmt.Errorf("no root account exists; set MR_ROOT_USERNAME and MR_ROOT_PASSWORD to create one")
	}
	salt := uuid.NewString()
	return db.CreateAccount(ctx, regdb.Account{
		Username:    username,
		DisplayName: username,
		Salt:        salt,
		Type:        auth.TypeInternal,
		Role:        auth.RoleRoot,
		Password:    auth.HashInternalPassword(username, salt, password),
	})
}

// upstreamSearchFunc builds the closure the search handler falls back to
// when the local cache has no exact match, querying the upstream
// registry's own search API the way the original's backup_proc does.
func upstreamSearchFunc(upstreamURL string) api.UpstreamSearch {
	client := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context, q string, perPage, page int) (regdb.SearchResult, error) {
		url := fmt.Sprintf("%s/api/v1/crates?q=%s&per_page=%d&page=%d", upstreamURL, q, perPage, page)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return regdb.SearchResult{}, err
		}
		req.Header.Set("User-Agent", "mirrorregistry")
		resp, err := client.Do(req)
		if err != nil {
			return regdb.SearchResult{}, err
		}
		defer resp.Body.Close()

		var payload struct {
			Crates []struct {
				Name          string `json:"name"`
				Description   string `json:"description"`
				MaxVersion    string `json:"max_version"`
				Documentation string `json:"documentation"`
				Homepage      string `json:"homepage"`
				Repository    string `json:"repository"`
			} `json:"crates"`
			Meta struct {
				Total int64 `json:"total"`
			} `json:"meta"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return regdb.SearchResult{}, err
		}
		result := regdb.SearchResult{Total: payload.Meta.Total}
		for _, c := range payload.Crates {
			result.Packages = append(result.Packages, regdb.Package{
				Name:          c.Name,
				Description:   c.Description,
				MaxVersion:    c.MaxVersion,
				NewestVersion: c.MaxVersion,
				Documentation: c.Documentation,
				Homepage:      c.Homepage,
				Repository:    c.Repository,
			})
		}
		return result, nil
	}
}

package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tokend.org/internal/audit"
	"tokend.org/internal/collab"
	"tokend.org/internal/config"
	"tokend.org/internal/httpapi"
	"tokend.org/internal/obs"
	"tokend.org/internal/provision"
	"tokend.org/internal/stream"
	"tokend.org/internal/token"
)

var (
	version = "0.3.0"
	commit  = "none"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Version != "dev" {
		version = cfg.Version
	}

	store, db, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	collabOpts := []collab.ClientOption{
		collab.WithHTTPClient(&http.Client{Timeout: cfg.CollabTimeout}),
	}
	if cfg.CollabToken != "" {
		collabOpts = append(collabOpts, collab.WithBearerToken(cfg.CollabToken))
	}

	var caps token.CapabilityChecker
	if cfg.CapabilityURL != "" {
		caps = collab.NewCapabilities(cfg.CapabilityURL, collabOpts...)
	} else {
		log.Println("no capability authority configured, using static grants")
		caps = collab.StaticCapabilities{Grants: map[string]bool{
			token.CapCreateToken:       true,
			token.CapCreateMobileToken: true,
		}}
	}

	events := stream.New()
	recorder := audit.NewRecorder(events)

	issuerOpts := []token.IssuerOption{
		token.WithRecorder(recorder),
		token.WithMaintenanceMode(func() bool { return cfg.MaintenanceMode }),
	}
	if cfg.SessionURL != "" {
		issuerOpts = append(issuerOpts,
			token.WithSessionChecker(collab.NewSessions(cfg.SessionURL, collabOpts...)))
	}
	if cfg.TokenValidity > 0 {
		issuerOpts = append(issuerOpts, token.WithValidity(cfg.TokenValidity))
	}

	issuer, err := token.NewIssuer(store, caps, issuerOpts...)
	if err != nil {
		log.Fatalf("issuer: %v", err)
	}

	var prov httpapi.ProvisionService
	if cfg.DirectoryURL != "" {
		dir := collab.NewDirectory(cfg.DirectoryURL, collabOpts...)
		p, err := provision.New(dir, issuer)
		if err != nil {
			log.Fatalf("provision: %v", err)
		}
		prov = p
	} else {
		log.Println("no directory configured, provisioning endpoint disabled")
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, prov, events)
	api.SetRateLimit(cfg.RateLimitBurst, cfg.RateLimitPerSec)
	api.SetStoreTimeout(cfg.StoreTimeout)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting tokend-api %s on %s (store=%s)", version, srv.Addr, cfg.DBAdapter)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

// openStore picks the storage backend. The returned *sql.DB (nil for the
// in-memory store) feeds the readiness probe.
func openStore(cfg *config.Config) (token.Store, *sql.DB, func(), error) {
	switch cfg.DBAdapter {
	case "postgres":
		pg, err := token.OpenPG(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return pg, pg.DB(), func() { _ = pg.Close() }, nil
	case "sqlite":
		lite, err := token.OpenSQLite(cfg.SQLiteFile)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := seedSQLite(lite); err != nil {
			_ = lite.Close()
			return nil, nil, nil, err
		}
		return lite, lite.DB(), func() { _ = lite.Close() }, nil
	default: // "memory", validated by config.Load
		mem := token.NewInMemory()
		mem.SeedService(token.Service{ID: "svc-mobile", ShortName: "mobile", Enabled: true})
		mem.SeedService(token.Service{ID: "svc-custom-api", ShortName: "custom_api", Enabled: true})
		return mem, nil, func() {}, nil
	}
}

func seedSQLite(lite *token.SQLiteStore) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, svc := range []token.Service{
		{ID: "svc-mobile", ShortName: "mobile", Enabled: true},
		{ID: "svc-local-mobile", ShortName: "local_mobile", Enabled: false},
		{ID: "svc-custom-api", ShortName: "custom_api", Enabled: true},
	} {
		if _, err := lite.SeedService(ctx, svc); err != nil {
			return err
		}
	}
	return nil
}

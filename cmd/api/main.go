package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carelock.org/internal/access"
	"carelock.org/internal/audit"
	"carelock.org/internal/config"
	"carelock.org/internal/emergency"
	"carelock.org/internal/httpapi"
	"carelock.org/internal/identity"
	"carelock.org/internal/obs"
	"carelock.org/internal/policy"
	"carelock.org/internal/session"
	"carelock.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

// stores is the persistence wiring for every domain service. Backed by
// Postgres when a DSN is configured, otherwise by process-local memory for
// development runs.
type stores struct {
	identities identity.Store
	sessions   session.Store
	audits     audit.Store
	grants     emergency.Store
	policies   policy.Store
	db         *sql.DB
}

func openStores(cfg *config.Config) (*stores, error) {
	if cfg.PostgresDSN == "" {
		obs.Log("warn", "no database configured, using in-memory stores", nil)
		return &stores{
			identities: identity.NewInMemory(),
			sessions:   session.NewInMemory(),
			audits:     audit.NewInMemory(),
			grants:     emergency.NewInMemory(),
			policies:   policy.NewInMemory(),
		}, nil
	}
	st, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	return &stores{
		identities: st,
		sessions:   st,
		audits:     st,
		grants:     st,
		policies:   st,
		db:         st.DB(),
	}, nil
}

func main() {
	configPath := flag.String("config", os.Getenv("CARELOCK_CONFIG"), "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	st, err := openStores(cfg)
	if err != nil {
		log.Fatalf("open stores: %v", err)
	}

	identities, err := identity.NewService(st.identities)
	if err != nil {
		log.Fatalf("identity service: %v", err)
	}
	policies, err := policy.NewService(st.policies)
	if err != nil {
		log.Fatalf("policy service: %v", err)
	}
	sessions, err := session.NewManager(st.sessions, cfg.TokenSecret,
		session.WithCeiling(cfg.SessionCeiling),
		session.WithPolicy(policies))
	if err != nil {
		log.Fatalf("session manager: %v", err)
	}
	auditEng, err := audit.NewEngine(st.audits,
		audit.WithDetector(audit.DetectorConfig{
			FailedLoginThreshold: cfg.FailedLoginThreshold,
			FailedLoginWindow:    cfg.FailedLoginWindow,
		}),
		audit.WithPolicy(policies))
	if err != nil {
		log.Fatalf("audit engine: %v", err)
	}
	workflow, err := emergency.NewWorkflow(st.grants, auditEng, policies,
		emergency.WithWindow(cfg.EmergencyWindow),
		emergency.WithApprovalRequired(cfg.EmergencyApprovalRequired))
	if err != nil {
		log.Fatalf("emergency workflow: %v", err)
	}
	accessEng, err := access.NewEngine(auditEng, workflow)
	if err != nil {
		log.Fatalf("access engine: %v", err)
	}

	api := httpapi.New(httpapi.Deps{
		Identities: identities,
		Sessions:   sessions,
		Emergency:  workflow,
		Access:     accessEng,
		Audit:      auditEng,
		Policy:     policies,
	}, httpapi.ReadyProbe{DB: st.db}, version,
		httpapi.WithRateLimit(cfg.RateLimitBurst, cfg.RateLimitPerSecond))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background maintenance: settle lapsed grants, drop expired sessions and
	// revocation entries.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				if err := workflow.Sweep(rootCtx); err != nil {
					obs.Log("error", "grant sweep failed", map[string]any{"error": err.Error()})
				}
				if err := sessions.PurgeExpired(rootCtx); err != nil {
					obs.Log("error", "session purge failed", map[string]any{"error": err.Error()})
				}
			}
		}
	}()

	log.Printf("Starting carelock-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancel()

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(ctx)
	if st.db != nil {
		_ = st.db.Close()
	}
	log.Println("Stopped")
}

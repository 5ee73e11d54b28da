package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vetsync.org/internal/auth"
	"vetsync.org/internal/changefeed"
	"vetsync.org/internal/changefeed/pglisten"
	"vetsync.org/internal/config"
	"vetsync.org/internal/crm"
	"vetsync.org/internal/httpapi"
	"vetsync.org/internal/insights"
	"vetsync.org/internal/obs"
	"vetsync.org/internal/queue"
	"vetsync.org/internal/resolver"
	"vetsync.org/internal/store"
	"vetsync.org/internal/store/memory"
	"vetsync.org/internal/store/pg"
	"vetsync.org/internal/syncengine"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg := config.Load()
	log, err := obs.InitLogger(cfg.LogLevel)
	if err != nil {
		obs.Logger().Fatalw("init logger", "error", err)
	}
	defer obs.Sync()
	obs.Init()
	obs.InitBuildInfo(version, commit, "api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := changefeed.NewHub(64)
	defer hub.Close()

	// Без DSN сервис работает на in-memory хранилище (dev/demo).
	var (
		backend store.Backend
		ready   httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		pgs, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalw("open db", "error", err)
		}
		defer pgs.Close()
		backend = pgs
		ready = httpapi.ReadyProbe{DB: pgs.DB()}
		go func() {
			if err := pglisten.New(cfg.PGDSN, hub).Run(ctx); err != nil {
				log.Errorw("change listener stopped", "error", err)
			}
		}()
	} else {
		log.Warnw("VETSYNC_PG_DSN not set, using in-memory store")
		backend = memory.New(memory.WithHub(hub))
	}

	var states crm.StateStore = crm.NewMemoryStateStore()
	if cfg.RedisURL != "" {
		rs, err := crm.NewRedisStateStore(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalw("connect redis", "error", err)
		}
		defer rs.Close()
		states = rs
	}
	crmClient := crm.New(cfg.CRM, backend.Credentials(), backend.SubAccounts(), states)
	if !crmClient.Configured() {
		log.Warnw("CRM credentials missing, OAuth endpoints will answer 412")
	}

	q, err := queue.New(backend, queue.WithBatch(cfg.QueueBatch))
	if err != nil {
		log.Fatalw("init queue", "error", err)
	}

	var signer *auth.Signer
	if cfg.AuthSecret != "" {
		signer, err = auth.NewSigner(cfg.AuthSecret, "")
		if err != nil {
			log.Fatalw("init signer", "error", err)
		}
	} else {
		log.Warnw("VETSYNC_AUTH_SECRET not set, protected endpoints will answer 503")
	}

	api := httpapi.New(httpapi.Deps{
		Backend:  backend,
		CRM:      crmClient,
		Engine:   syncengine.New(backend, crmClient, syncengine.Options{}),
		Queue:    q,
		Resolver: resolver.New(backend),
		Insights: insights.New(cfg.OpenAIKey, cfg.OpenAIModel),
		Changes:  hub,
		Signer:   signer,
		Ready:    ready,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// contact syncs page through the CRM with pauses
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("starting vetsync-api", "version", version, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()
	log.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	q.Wait()
	log.Infow("stopped")
}

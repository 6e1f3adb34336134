package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mjl-/adns"

	"github.com/mjl-/reportview/config"
	"github.com/mjl-/reportview/dns"
	"github.com/mjl-/reportview/enrich"
	"github.com/mjl-/reportview/ingest"
	"github.com/mjl-/reportview/mlog"
	"github.com/mjl-/reportview/store"
	"github.com/mjl-/reportview/web"
)

// enrichTimeout bounds a single reverse DNS or whois lookup.
const enrichTimeout = 10 * time.Second

func cmdServe(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %s\n", err)
		os.Exit(1)
	}
	mlog.SetConfig(cfg.LogLevels())
	log := mlog.New("serve")
	log.Print("starting up", mlog.Field("version", version()), mlog.Field("imaphost", cfg.IMAP.Host))

	st := store.NewStore()

	resolver := dns.StrictResolver{Resolver: &adns.Resolver{}, Log: mlog.New("resolver")}
	reverse := enrich.NewReverse(mlog.New("enrich"), resolver, enrichTimeout)
	geo := enrich.NewGeo(mlog.New("enrich"), nil, "")
	whois := enrich.NewWhois(mlog.New("enrich"), "", enrichTimeout)

	runner, err := ingest.NewRunner(mlog.New("ingest"), st, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setting up sync: %s\n", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	go runner.Run(ctx)

	srv := web.NewServer(mlog.New("web"), st, reverse, geo, whois, cfg.HTTP, version())
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: srv.Handler(),
	}
	go func() {
		log.Print("listening", mlog.Field("address", cfg.HTTP.Address))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalx("http listener", err)
		}
	}()

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	log.Print("shutting down", mlog.Field("signal", sig))

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorx("http shutdown", err)
	}
}

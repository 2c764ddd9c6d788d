package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paneldesk.org/internal/audit"
	"paneldesk.org/internal/auth"
	"paneldesk.org/internal/httpapi"
	"paneldesk.org/internal/obs"
	"paneldesk.org/internal/rbac"
	"paneldesk.org/internal/store/pg"
	"paneldesk.org/internal/throttle"
)

var version = "0.1.0"

func main() {
	obs.Init()

	dsn := os.Getenv("PANELDESK_PG_DSN")
	if dsn == "" {
		log.Fatal("missing DSN: set PANELDESK_PG_DSN")
	}
	secret := os.Getenv("PANELDESK_JWT_SECRET")
	if secret == "" {
		log.Fatal("missing signing secret: set PANELDESK_JWT_SECRET")
	}

	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	auditSvc, err := audit.NewService(store)
	if err != nil {
		log.Fatalf("audit service: %v", err)
	}
	rbacSvc, err := rbac.NewService(store)
	if err != nil {
		log.Fatalf("rbac service: %v", err)
	}
	throttleSvc, err := throttle.NewService(pg.ThrottleView{Store: store}, auditSvc)
	if err != nil {
		log.Fatalf("throttle service: %v", err)
	}
	authSvc, err := auth.NewService(store, throttleSvc, auditSvc, secret)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := rbacSvc.EnsureBuiltins(ctx); err != nil {
		cancel()
		log.Fatalf("ensure permission catalog: %v", err)
	}
	cancel()

	api := httpapi.New(httpapi.ReadyProbe{DB: store.DB()}, version, authSvc, rbacSvc, auditSvc, throttleSvc)

	addr := os.Getenv("PANELDESK_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting paneldesk-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}

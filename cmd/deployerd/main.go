// Command deployerd is the deployment orchestrator's single binary:
// it loads configuration, wires the stores and pipeline engine, mounts the
// HTTP facade, and shuts down gracefully on SIGINT/SIGTERM. Shape is
// grounded on releaseparty-api/main.go (Aureuma-si/apps/ReleaseParty/backend
// /cmd/releaseparty-api): log.New(os.Stdout, "<prefix> ", LstdFlags|LUTC),
// config.Load, wire dependencies, signal.Notify, graceful Close.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deployerd/m/v2/internal/applog"
	"deployerd/m/v2/internal/config"
	"deployerd/m/v2/internal/deploymentstore"
	"deployerd/m/v2/internal/engine"
	"deployerd/m/v2/internal/httpapi"
	"deployerd/m/v2/internal/procmanager"
	"deployerd/m/v2/internal/projectstore"
	"deployerd/m/v2/internal/secrets"
	"deployerd/m/v2/internal/webserver"
)

func main() {
	logger := applog.New("deployerd ")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	projects := projectstore.New(cfg.ProjectsDir)
	deployments := deploymentstore.New(cfg.ProjectsDir, cfg.LogsDir)
	codec := secrets.New(cfg.SecretsMasterKey, logger)
	webServer := webserver.New(cfg.NginxAvailable, cfg.NginxEnabled)
	procManager := procmanager.New(cfg.PM2Bin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.New(ctx, engine.Options{
		MaxConcurrentDeploys: cfg.MaxConcurrentDeploys,
		MaxQueueSize:         cfg.MaxQueueSize,
		NginxRoot:            cfg.NginxRoot,
		ReleasesDirName:      cfg.ReleasesDirName,
		ProjectsDir:          cfg.ProjectsDir,
		BuildDir:             cfg.BuildDir,
		DefaultBuildOutput:   cfg.DefaultBuildOutput,
	}, projects, deployments, codec, webServer, procManager, logger)

	srv := httpapi.New(httpapi.ServerConfig{
		NginxRoot:            cfg.NginxRoot,
		ProjectsDir:          cfg.ProjectsDir,
		BuildDir:             cfg.BuildDir,
		MaxConcurrentDeploys: cfg.MaxConcurrentDeploys,
		MaxQueueSize:         cfg.MaxQueueSize,
	}, eng, projects, deployments, codec, nil, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Printf("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		_ = httpSrv.Close()
	}
	eng.Stop()
	eng.Wait()
	cancel()
}

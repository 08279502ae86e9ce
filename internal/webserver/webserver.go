// Package webserver renders and installs the nginx vhost config for a
// project's current release, then tests and reloads nginx through the
// process runner. Config generation uses fmt.Sprintf templating, matching
// the pack's config-generation idiom (other_examples' Graft compose writer)
// rather than text/template, since these are two fixed, small layouts.
package webserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"deployerd/m/v2/internal/apierr"
	"deployerd/m/v2/internal/execrunner"
)

const (
	RuntimeStatic = "static"
	RuntimeNode   = "node"
)

// Config describes what the rendered vhost needs to know.
type Config struct {
	ProjectID   string
	Runtime     string
	Domain      string
	DeployPath  string
	RuntimePort int
}

// Writer renders, installs, tests, and reloads nginx vhost configs.
type Writer struct {
	SitesAvailable string
	SitesEnabled   string
}

func New(sitesAvailable, sitesEnabled string) *Writer {
	return &Writer{SitesAvailable: sitesAvailable, SitesEnabled: sitesEnabled}
}

// Apply renders cfg's vhost, installs it, and reloads nginx. In dryRun, the
// render is computed (to catch ConfigIncomplete) but nothing is written and
// the test/reload commands are logged only.
func (w *Writer) Apply(ctx context.Context, cfg Config, dryRun bool, sink execrunner.LogSink) error {
	body, err := render(cfg)
	if err != nil {
		return err
	}

	availablePath := filepath.Join(w.SitesAvailable, fmt.Sprintf("deployer-%s.conf", cfg.ProjectID))
	enabledPath := filepath.Join(w.SitesEnabled, fmt.Sprintf("deployer-%s.conf", cfg.ProjectID))

	if dryRun {
		sink.Write(fmt.Sprintf("[dry-run] write %s", availablePath))
		sink.Write(fmt.Sprintf("[dry-run] symlink %s -> %s", enabledPath, availablePath))
	} else {
		if err := os.WriteFile(availablePath, []byte(body), 0o644); err != nil {
			return apierr.Wrap(apierr.KindCommandFailed, "failed to write nginx vhost config", err)
		}
		_ = os.Remove(enabledPath)
		if err := os.Symlink(availablePath, enabledPath); err != nil {
			return apierr.Wrap(apierr.KindCommandFailed, "failed to enable nginx vhost config", err)
		}
	}

	if _, err := execrunner.Run(ctx, "nginx", []string{"-t"}, execrunner.Options{DryRun: dryRun}, sink); err != nil {
		return err
	}
	if _, err := execrunner.Run(ctx, "systemctl", []string{"reload", "nginx"}, execrunner.Options{DryRun: dryRun}, sink); err != nil {
		return err
	}
	return nil
}

func render(cfg Config) (string, error) {
	switch cfg.Runtime {
	case RuntimeStatic:
		serverName := cfg.Domain
		if serverName == "" {
			serverName = "_"
		}
		return fmt.Sprintf(`server {
    listen 80;
    server_name %s;
    root %s;
    index index.html;
    location / {
        try_files $uri /index.html;
    }
}
`, serverName, cfg.DeployPath), nil

	case RuntimeNode:
		if cfg.RuntimePort == 0 {
			return "", apierr.New(apierr.KindConfigIncomplete, "runtimePort is required for node runtime config")
		}
		serverName := cfg.Domain
		if serverName == "" {
			serverName = "_"
		}
		return fmt.Sprintf(`server {
    listen 80;
    server_name %s;
    location / {
        proxy_pass http://127.0.0.1:%d;
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
        proxy_set_header Host $host;
    }
}
`, serverName, cfg.RuntimePort), nil

	default:
		return "", apierr.New(apierr.KindValidation, "unknown runtime: "+cfg.Runtime)
	}
}

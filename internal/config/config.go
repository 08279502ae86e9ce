// Package config loads the process-wide configuration from the environment
// variables named in spec.md §6. Shape follows ReleaseParty's
// internal/config.Load (Aureuma-si/apps/ReleaseParty/backend/internal/config):
// required vars fail fast, optional vars fall back to documented defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Addr string

	ProjectsDir      string
	LogsDir          string
	BuildDir         string
	NginxRoot        string
	NginxAvailable   string
	NginxEnabled     string
	PM2Bin           string
	DefaultBuildOutput string
	ReleasesDirName  string

	MaxConcurrentDeploys int
	MaxQueueSize         int

	SecretsMasterKey string
}

func Load() (Config, error) {
	cfg := Config{
		Addr:               env("DEPLOYERD_ADDR", ":8090"),
		ProjectsDir:        env("PROJECTS_DIR", "/var/deploy/projects"),
		LogsDir:            env("LOGS_DIR", "/var/deploy/logs"),
		BuildDir:           env("BUILD_DIR", ""),
		NginxRoot:          env("NGINX_ROOT", "/var/www"),
		NginxAvailable:     env("NGINX_SITES_AVAILABLE", "/etc/nginx/sites-available"),
		NginxEnabled:       env("NGINX_SITES_ENABLED", "/etc/nginx/sites-enabled"),
		PM2Bin:             env("PM2_BIN", "pm2"),
		DefaultBuildOutput: env("DEFAULT_BUILD_OUTPUT", "dist"),
		ReleasesDirName:    env("RELEASES_DIR_NAME", "releases"),
		SecretsMasterKey:   os.Getenv("SECRETS_MASTER_KEY"),
	}

	maxConc, err := envInt("MAX_CONCURRENT_DEPLOYS", 1)
	if err != nil {
		return Config{}, err
	}
	if maxConc < 1 {
		maxConc = 1
	}
	cfg.MaxConcurrentDeploys = maxConc

	maxQueue, err := envInt("MAX_QUEUE_SIZE", 50)
	if err != nil {
		return Config{}, err
	}
	if maxQueue < 1 {
		maxQueue = 1
	}
	cfg.MaxQueueSize = maxQueue

	if strings.TrimSpace(cfg.ProjectsDir) == "" {
		return Config{}, fmt.Errorf("missing PROJECTS_DIR")
	}
	if strings.TrimSpace(cfg.LogsDir) == "" {
		return Config{}, fmt.Errorf("missing LOGS_DIR")
	}
	if strings.TrimSpace(cfg.NginxRoot) == "" {
		return Config{}, fmt.Errorf("missing NGINX_ROOT")
	}

	return cfg, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

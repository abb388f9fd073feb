package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func main() {
	// ---- Flags / config ----
	var (
		configPath string
		dataDir    string
		logLevel   string
		bootstrap  multiFlag
		listen     multiFlag
	)
	flag.StringVar(&configPath, "config", "", "path to YAML config")
	flag.StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	flag.StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	flag.Var(&bootstrap, "bootstrap", "bootstrap peer multiaddr (repeatable)")
	flag.Var(&listen, "listen", "listen multiaddr (repeatable)")
	flag.Parse()

	// .env is optional; missing file is normal.
	_ = godotenv.Load()

	cfg, err := loadConfig(configPath)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			logrus.Fatalf("cannot find home dir: %v", err)
		}
		cfg.DataDir = filepath.Join(home, ".qudag")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		logrus.Fatalf("data dir: %v", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if len(bootstrap) > 0 {
		cfg.BootstrapPeers = bootstrap
	}
	if len(listen) > 0 {
		cfg.ListenAddrs = listen
	}

	// Optional passphrase-sealed keystore keeps the obfuscation and onion
	// keys stable across restarts.
	if pass := os.Getenv("QUDAG_KEYSTORE_PASS"); pass != "" {
		secrets, err := loadOrCreateNodeSecrets(filepath.Join(cfg.DataDir, "keys.json"), []byte(pass))
		if err != nil {
			logrus.Fatalf("keystore: %v", err)
		}
		cfg.ObfuscationKey = secrets.ObfuscationKeyB64()
		cfg.OnionKey = secrets.OnionKeyB64()
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	// ---- Node ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	node, err := NewNode(ctx, cfg, registry)
	if err != nil {
		logrus.Fatalf("node init: %v", err)
	}
	if err := node.Start(ctx); err != nil {
		logrus.Fatalf("node start: %v", err)
	}

	// ---- Wait for shutdown ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logrus.Infof("[main] shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := node.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("[main] shutdown: %v", err)
	}
}

// multiFlag collects repeatable string flags.
type multiFlag []string

func (m *multiFlag) String() string { return "" }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

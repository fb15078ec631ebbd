package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/trailsd/trails/internal/config"
	"github.com/trailsd/trails/internal/hub"
	"github.com/trailsd/trails/internal/store"
	"github.com/trailsd/trails/internal/store/postgres"
)

var version = "dev"

func main() {
	addr := ":" + env("TRAILS_PORT", "8080")
	confDir := os.Getenv("TRAILS_CONF_DIR")

	dsn := os.Getenv("TRAILS_DB_DSN")
	if dsn == "" {
		log.Fatal("TRAILS_DB_DSN environment variable is required")
	}

	fmt.Printf("trailsd %s\n", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf, err := config.Load(confDir)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := postgres.Open(ctx, dsn)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	var st store.Store = store.WithBreaker(db)

	signerPriv, err := loadOrCreateSignerKey(confDir)
	if err != nil {
		log.Fatalf("signer key: %v", err)
	}

	h := hub.New(conf, st, addr, signerPriv)

	if err := h.Reconcile(ctx); err != nil {
		log.Fatalf("startup reconciliation: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := h.Serve(); err != nil {
			log.Printf("hub: serve: %v", err)
		}
	}()

	<-sigCh
	log.Println("trailsd: shutting down...")
	cancel()
	h.Shutdown(context.Background())
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// loadOrCreateSignerKey loads the hub's ed25519 identity key from
// confDir/signer.key, generating and persisting one on first run. Used to
// sign outbound control messages under security tiers that require it.
func loadOrCreateSignerKey(confDir string) ([]byte, error) {
	if confDir == "" {
		_, priv, err := ed25519.GenerateKey(nil)
		return priv, err
	}
	path := confDir + "/signer.key"
	raw, err := os.ReadFile(path)
	if err == nil && len(raw) == ed25519.PrivateKeySize {
		return raw, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}

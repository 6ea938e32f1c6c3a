package main

import (
	"context"
	"log"
	"os"

	"github.com/crucible-run/crucible/internal/api"
	"github.com/crucible-run/crucible/internal/config"
	"github.com/crucible-run/crucible/internal/engine"
	"github.com/crucible-run/crucible/internal/overlay"
	"github.com/crucible-run/crucible/internal/runner"
	"github.com/crucible-run/crucible/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("crucible: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"evict_after", cfg.EvictAfter.String(),
	)

	base, err := loadBaseConfig(cfg.BaseConfigPath)
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "crucible-work-")
		if err != nil {
			log.Fatalf("failed to create work dir: %v", err)
		}
		defer os.RemoveAll(workDir)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := runner.NewRegistry()
	ex := runner.NewExec(workDir)
	for _, name := range ex.Capabilities().SupportedRuntimes {
		reg.Register(name, ex)
	}

	eng := engine.NewEngine(db, reg, base, logger)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go eng.RunJanitor(janitorCtx, cfg.EvictAfter, cfg.EvictSweep)

	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, logger)

	err = srv.Run()

	// Let in-flight sessions finish their terminal transitions before exit.
	stopJanitor()
	eng.Wait()

	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// loadBaseConfig reads the shared base configuration every session overlay
// is layered on. A missing path means an empty base.
func loadBaseConfig(path string) (overlay.Map, error) {
	if path == "" {
		return overlay.Map{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return overlay.Parse(data)
}

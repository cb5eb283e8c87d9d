// Command rebuild replays every holding's history and rewrites its cached
// position. Safe to run against a live database: each holding is rebuilt under
// the same lock the API takes.
package main

import (
	"context"
	"os"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"stockfolio/internal/config"
	"stockfolio/internal/database"
	"stockfolio/internal/ledger"
)

func main() {
	logger := logrus.New()

	cfg, err := config.LoadDatabase()
	if err != nil {
		logger.Fatal(err)
	}
	logger.SetLevel(cfg.LogLevel)

	db, err := sqlx.Connect("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatalf("failed to connect to db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := database.New(db, logger, cfg.LockTimeout)
	l := ledger.New(repo, logger, ledger.WithMaxRetries(cfg.MaxRetries))

	refs, err := repo.HoldingRefs(ctx)
	if err != nil {
		logger.Fatalf("list holdings: %v", err)
	}

	failed := 0
	for _, ref := range refs {
		if _, err := l.Recompute(ctx, ref.UserID, ref.HoldingID); err != nil {
			// already logged by the ledger
			failed++
		}
	}
	logger.Infof("rebuilt %d holdings, %d failed", len(refs)-failed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

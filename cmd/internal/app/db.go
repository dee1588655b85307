package app

import (
	"context"
	"fmt"
	"time"

	"pairlink/cmd/internal/audit"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	auditConnectTimeout = 5 * time.Second
	auditReadyTimeout   = 2 * time.Second
)

// openAudit connects the audit trail. The pool is tagged with the build version
// so sessions show up per release in pg_stat_activity, and startup fails unless
// db/schema.sql was applied to cfg.AuditSchema. The service never migrates.
func openAudit(ctx context.Context, cfg Config, log Logger, version string) (*pgxpool.Pool, *audit.PostgresRecorder, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db: parse url: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}
	pcfg.ConnConfig.RuntimeParams["application_name"] = "pairlink/" + version

	cctx, cancel := context.WithTimeout(ctx, auditConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(cctx, pcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: connect: %w", err)
	}

	rec, err := audit.NewPostgresRecorder(log, pool, audit.WithSchema(cfg.AuditSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := rec.Check(cctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("db: %w", err)
	}

	log.Info("db.audit.ready", "schema", cfg.AuditSchema, "max_conns", pcfg.MaxConns)
	return pool, rec, nil
}

// auditReady reports whether the audit trail can take writes right now.
func auditReady(ctx context.Context, rec *audit.PostgresRecorder) error {
	rctx, cancel := context.WithTimeout(ctx, auditReadyTimeout)
	defer cancel()
	return rec.Check(rctx)
}

// Package projects loads the allowed project ids from an external source at
// startup. The result is merged into the static configuration once; nothing
// is re-read while the tunnel runs.
package projects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DefaultTable   = "tunnel_projects"
	defaultTimeout = 10 * time.Second
)

// PostgresConfig describes where the allow-list lives. Table may be schema
// qualified ("ops.tunnel_projects"). Rows need a text project_id column and a
// boolean enabled column.
type PostgresConfig struct {
	DSN     string
	Table   string
	Timeout time.Duration
	Logger  *slog.Logger
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// LoadPostgres opens a short-lived pool, reads every enabled project id and
// closes the pool again.
func LoadPostgres(ctx context.Context, cfg PostgresConfig) ([]string, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.MaxConns = 1
	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "envelope-tunnel"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	defer pool.Close()

	ids, err := loadProjectIDs(ctx, pool, cfg.Table)
	if err != nil {
		return nil, err
	}
	if cfg.Logger != nil {
		cfg.Logger.Info("loaded project allow-list", "source", "postgres", "count", len(ids))
	}
	return ids, nil
}

func loadProjectIDs(ctx context.Context, db querier, table string) ([]string, error) {
	query, err := projectQuery(table)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query project ids: %w", err)
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan project ids: %w", err)
	}

	ids := make([]string, 0, len(raw))
	for _, id := range raw {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func projectQuery(table string) (string, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		table = DefaultTable
	}
	parts := strings.Split(table, ".")
	for _, part := range parts {
		if part == "" {
			return "", fmt.Errorf("invalid table name %q", table)
		}
	}
	return fmt.Sprintf("SELECT project_id FROM %s WHERE enabled ORDER BY project_id", pgx.Identifier(parts).Sanitize()), nil
}

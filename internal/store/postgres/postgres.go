// Package postgres stores check results in a check_results table.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gustycube/avasite/internal/types"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS check_results (
  id          BIGSERIAL PRIMARY KEY,
  checked_at  TIMESTAMPTZ NOT NULL,
  host        TEXT NOT NULL,
  ip          TEXT NULL,
  port        INTEGER NULL,
  status      TEXT NOT NULL,
  rtt_ms      DOUBLE PRECISION NOT NULL,
  cert_kind   TEXT NULL,
  cert_reason TEXT NULL
);

CREATE INDEX IF NOT EXISTS idx_check_results_host_time ON check_results (host, checked_at DESC);
`

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return &Store{pool: p}, nil
}

// EnsureSchema creates the check_results table if it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create check_results table: %w", err)
	}
	return nil
}

// Write appends r. Absent fields are stored as NULL.
func (s *Store) Write(ctx context.Context, r types.CheckResult) error {
	var (
		ip, certKind, certReason *string
		port                     *int
	)
	if r.Resolved() {
		ip = &r.IP
	}
	if r.HasPort() {
		p := int(r.Port)
		port = &p
	}
	if r.Cert != nil {
		k := r.Cert.Kind.String()
		certKind = &k
		if r.Cert.Reason != "" {
			certReason = &r.Cert.Reason
		}
	}
	status := r.Status.String()
	if !r.Resolved() {
		status = "unresolved"
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO check_results (checked_at, host, ip, port, status, rtt_ms, cert_kind, cert_reason)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.Timestamp.UTC(), r.Host, ip, port, status, r.RTTMs, certKind, certReason)
	if err != nil {
		return fmt.Errorf("insert check result: %w", err)
	}
	return nil
}

// Recent returns up to limit results for host, newest first.
func (s *Store) Recent(ctx context.Context, host string, limit int) ([]types.CheckResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT checked_at, host, ip, port, status, rtt_ms, cert_kind, cert_reason
		   FROM check_results
		  WHERE host = $1
		  ORDER BY checked_at DESC, id DESC
		  LIMIT $2`, host, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.CheckResult
	for rows.Next() {
		var (
			r                    types.CheckResult
			ip, status           *string
			certKind, certReason *string
			port                 *int
		)
		if err := rows.Scan(&r.Timestamp, &r.Host, &ip, &port, &status, &r.RTTMs, &certKind, &certReason); err != nil {
			return nil, err
		}
		if ip != nil {
			r.IP = *ip
		}
		if port != nil {
			r.Port = uint16(*port)
		}
		if status != nil && *status != "unresolved" {
			if err := r.Status.UnmarshalText([]byte(*status)); err != nil {
				return nil, err
			}
		}
		if certKind != nil {
			v := types.CertVerdict{}
			if err := v.Kind.UnmarshalText([]byte(*certKind)); err != nil {
				return nil, err
			}
			if certReason != nil {
				v.Reason = *certReason
			}
			r.Cert = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

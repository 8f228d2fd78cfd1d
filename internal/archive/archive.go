// Package archive persists committed turns to PostgreSQL.
//
// The archive is optional: it only exists when a DSN is configured, and a
// failed insert never fails a turn (the pipeline logs and moves on). Every
// committed exchange becomes one append-only row tagged with the session ID
// of the current boot, so lessons can be reviewed after the fact.
//
// Usage:
//
//	arc, err := archive.Open(ctx, archive.Config{DSN: dsn})
//	if err != nil { … }
//	defer arc.Close()
//
//	_ = arc.Record(ctx, exchange)
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lingobotics/lingo/pkg/types"
)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id            BIGSERIAL    PRIMARY KEY,
    session_id    TEXT         NOT NULL,
    turn_id       TEXT         NOT NULL DEFAULT '',
    user_text     TEXT         NOT NULL,
    reply_text    TEXT         NOT NULL,
    spoken        BOOLEAN      NOT NULL DEFAULT TRUE,
    audio_ns      BIGINT       NOT NULL DEFAULT 0,
    committed_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_session_committed
    ON turns (session_id, committed_at);
`

// Config configures the turn archive.
type Config struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// Session tags every row written by this process. Left empty, a
	// boot-time identifier is generated.
	Session string
}

// Archive is a PostgreSQL-backed append-only record of committed turns.
// All methods are safe for concurrent use.
type Archive struct {
	pool    *pgxpool.Pool
	session string
}

// Open connects to the database at cfg.DSN, ensures the turns table exists,
// and returns a ready Archive.
func Open(ctx context.Context, cfg Config) (*Archive, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive: empty dsn")
	}
	if cfg.Session == "" {
		cfg.Session = time.Now().UTC().Format("20060102-150405")
	}

	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}

	return &Archive{pool: pool, session: cfg.Session}, nil
}

// Session returns the identifier rows written by this process carry.
func (a *Archive) Session() string { return a.session }

// Record appends one committed exchange. The row keeps the exchange's turn
// trace ID so archive rows can be correlated with the logs of the turn that
// produced them. A zero exchange timestamp is replaced by the database clock.
func (a *Archive) Record(ctx context.Context, ex types.Exchange) error {
	const q = `
		INSERT INTO turns (session_id, turn_id, user_text, reply_text, spoken, audio_ns, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))`

	var committed *time.Time
	if !ex.Timestamp.IsZero() {
		committed = &ex.Timestamp
	}
	_, err := a.pool.Exec(ctx, q,
		a.session,
		ex.TurnID,
		ex.UserText,
		ex.ReplyText,
		ex.Spoken,
		ex.AudioDuration.Nanoseconds(),
		committed,
	)
	if err != nil {
		return fmt.Errorf("archive: record turn: %w", err)
	}
	return nil
}

// Recent returns the latest limit exchanges of this session in chronological
// order (oldest first).
func (a *Archive) Recent(ctx context.Context, limit int) ([]types.Exchange, error) {
	const q = `
		SELECT turn_id, user_text, reply_text, spoken, audio_ns, committed_at
		FROM   turns
		WHERE  session_id = $1
		ORDER  BY id DESC
		LIMIT  $2`

	rows, err := a.pool.Query(ctx, q, a.session, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	exchanges, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Exchange, error) {
		var (
			ex      types.Exchange
			audioNS int64
		)
		if err := row.Scan(&ex.TurnID, &ex.UserText, &ex.ReplyText, &ex.Spoken, &audioNS, &ex.Timestamp); err != nil {
			return types.Exchange{}, err
		}
		ex.AudioDuration = time.Duration(audioNS)
		return ex, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}

	// The query walks newest-first so LIMIT keeps the tail; flip back to
	// chronological order for callers.
	for i, j := 0, len(exchanges)-1; i < j; i, j = i+1, j-1 {
		exchanges[i], exchanges[j] = exchanges[j], exchanges[i]
	}
	return exchanges, nil
}

// Ping reports whether the database is reachable. The monitor's readiness
// probe calls this.
func (a *Archive) Ping(ctx context.Context) error {
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (a *Archive) Close() {
	a.pool.Close()
}

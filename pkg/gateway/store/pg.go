package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PG is the authoritative store backed by Postgres. All allowance mutations
// are single-statement upserts/increments so concurrent requests from the
// same device cannot lose updates.
type PG struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, databaseURL string) (*PG, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PG{pool: pool}, nil
}

func (p *PG) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (p *PG) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PG) Close() {
	p.pool.Close()
}

const sessionColumns = `id, device_id, call_context, room_name, model, voice,
	started_at, ended_at, duration_minutes, logging_enabled,
	summary_status, title, summary, original_transaction_id`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var status string
	err := row.Scan(
		&s.ID, &s.DeviceID, &s.CallContext, &s.RoomName, &s.Model, &s.Voice,
		&s.StartedAt, &s.EndedAt, &s.DurationMinutes, &s.LoggingEnabled,
		&status, &s.Title, &s.Summary, &s.OriginalTransactionID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.SummaryStatus = SummaryStatus(status)
	return &s, nil
}

func (p *PG) CreateSession(ctx context.Context, s *Session) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sessions (id, device_id, call_context, room_name, model, voice,
			started_at, logging_enabled, summary_status, original_transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.DeviceID, s.CallContext, s.RoomName, s.Model, s.Voice,
		s.StartedAt, s.LoggingEnabled, string(SummaryPending), s.OriginalTransactionID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EndSession closes an open session. wasOpen reports whether this call made
// the transition; a repeated end is returned as-is with wasOpen=false so the
// operation stays idempotent and usage is never double-counted.
func (p *PG) EndSession(ctx context.Context, id string, endedAt time.Time, durationMinutes int) (sess *Session, wasOpen bool, err error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE sessions SET ended_at = $2, duration_minutes = $3
		WHERE id = $1 AND ended_at IS NULL
		RETURNING `+sessionColumns,
		id, endedAt, durationMinutes,
	)
	sess, err = scanSession(row)
	if err == nil {
		return sess, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("end session: %w", err)
	}

	sess, err = p.GetSession(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return sess, false, nil
}

func (p *PG) GetSession(ctx context.Context, id string) (*Session, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// OpenSession returns the device's current open session, or ErrNotFound.
func (p *PG) OpenSession(ctx context.Context, deviceID string) (*Session, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE device_id = $1 AND ended_at IS NULL`, deviceID)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open session lookup: %w", err)
	}
	return s, nil
}

func (p *PG) ListSessions(ctx context.Context, deviceID string) ([]Session, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE device_id = $1 ORDER BY started_at DESC`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (p *PG) DeleteSession(ctx context.Context, id, deviceID string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1 AND device_id = $2`, id, deviceID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PG) AppendTurn(ctx context.Context, t *Turn) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO session_turns (session_id, speaker, text, spoke_at)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		t.SessionID, t.Speaker, t.Text, t.SpokeAt,
	).Scan(&t.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (p *PG) ListTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, speaker, text, spoke_at
		FROM session_turns WHERE session_id = $1 ORDER BY spoke_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Speaker, &t.Text, &t.SpokeAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return out, nil
}

func (p *PG) SetSummary(ctx context.Context, id string, status SummaryStatus, title, summary string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE sessions SET summary_status = $2, title = $3, summary = $4 WHERE id = $1`,
		id, string(status), title, summary)
	if err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveEntitlement returns the device's best covering entitlement at now,
// or nil when the device holds none.
func (p *PG) ActiveEntitlement(ctx context.Context, deviceID string, now time.Time) (*Entitlement, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT original_transaction_id, device_id, product_id, status, expires_at, environment
		FROM entitlements
		WHERE device_id = $1
		  AND status IN ('active', 'grace')
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY expires_at DESC NULLS FIRST
		LIMIT 1`,
		deviceID, now)

	var e Entitlement
	var status string
	err := row.Scan(&e.OriginalTransactionID, &e.DeviceID, &e.ProductID, &status, &e.ExpiresAt, &e.Environment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("active entitlement: %w", err)
	}
	e.Status = EntitlementStatus(status)
	return &e, nil
}

func (p *PG) UpsertEntitlement(ctx context.Context, e *Entitlement) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO entitlements (original_transaction_id, device_id, product_id, status, expires_at, environment, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (original_transaction_id) DO UPDATE SET
			device_id   = CASE WHEN EXCLUDED.device_id <> '' THEN EXCLUDED.device_id ELSE entitlements.device_id END,
			product_id  = EXCLUDED.product_id,
			status      = EXCLUDED.status,
			expires_at  = EXCLUDED.expires_at,
			environment = EXCLUDED.environment,
			updated_at  = now()`,
		e.OriginalTransactionID, e.DeviceID, e.ProductID, string(e.Status), e.ExpiresAt, e.Environment)
	if err != nil {
		return fmt.Errorf("upsert entitlement: %w", err)
	}
	return nil
}

const allowanceUpsert = `
	INSERT INTO free_allowances (device_id, minutes_used, period_start, period_end)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (device_id) DO UPDATE SET
		minutes_used = CASE
			WHEN free_allowances.period_start < EXCLUDED.period_start THEN EXCLUDED.minutes_used
			ELSE free_allowances.minutes_used + EXCLUDED.minutes_used
		END,
		period_start = GREATEST(free_allowances.period_start, EXCLUDED.period_start),
		period_end   = GREATEST(free_allowances.period_end, EXCLUDED.period_end)
	RETURNING device_id, minutes_used, period_start, period_end`

// EnsureAllowance lazily creates the device's allowance row and, when a new
// calendar month has started, resets it — in one atomic statement, so the
// reset happens exactly once no matter how requests interleave.
func (p *PG) EnsureAllowance(ctx context.Context, deviceID string, periodStart, periodEnd time.Time) (*FreeAllowance, error) {
	return p.upsertAllowance(ctx, deviceID, 0, periodStart, periodEnd)
}

// AddAllowanceMinutes atomically adds minutes to the device's allowance for
// the given period. If the stored row belongs to an older period it is
// replaced by the new period carrying just these minutes.
func (p *PG) AddAllowanceMinutes(ctx context.Context, deviceID string, minutes int, periodStart, periodEnd time.Time) (*FreeAllowance, error) {
	if minutes < 0 {
		return nil, fmt.Errorf("allowance minutes must be >= 0, got %d", minutes)
	}
	return p.upsertAllowance(ctx, deviceID, minutes, periodStart, periodEnd)
}

func (p *PG) upsertAllowance(ctx context.Context, deviceID string, minutes int, periodStart, periodEnd time.Time) (*FreeAllowance, error) {
	var a FreeAllowance
	err := p.pool.QueryRow(ctx, allowanceUpsert, deviceID, minutes, periodStart, periodEnd).
		Scan(&a.DeviceID, &a.MinutesUsed, &a.PeriodStart, &a.PeriodEnd)
	if err != nil {
		return nil, fmt.Errorf("upsert allowance: %w", err)
	}
	return &a, nil
}

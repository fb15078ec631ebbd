// Package postgres provides the PostgreSQL-backed store.Store implementation
// for the TRAILS hub. It uses pgx/v5 and runs embedded migrations at startup,
// directly grounded on the teacher's backend/store/postgres package.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trailsd/trails/internal/store"
	"github.com/trailsd/trails/internal/trailserr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB implements store.Store using PostgreSQL via pgx/v5.
type DB struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool, runs migrations, and returns a ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &DB{pool: pool}, nil
}

// RunMigrations applies all pending up-migrations against dsn. Safe to call
// multiple times. Exported for cmd/trails-migrate.
func RunMigrations(dsn string) error { return runMigrations(dsn) }

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, toMigrateURL(dsn))
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// toMigrateURL converts a postgres:// or postgresql:// DSN to the pgx5://
// scheme expected by golang-migrate's pgx/v5 driver.
func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// ---- intent / registry ----

func (d *DB) CreateIntent(ctx context.Context, p store.CreateIntentParams) (*store.Registry, error) {
	if p.StartDeadline <= 0 {
		return nil, trailserr.New(trailserr.KindInvalidDeadline, "start_deadline must be positive")
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM registry WHERE id = $1)`, p.ChildID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, trailserr.New(trailserr.KindAlreadyExists, p.ChildID.String())
	}

	if p.ParentID != nil {
		var parentExists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM registry WHERE id = $1)`, *p.ParentID).Scan(&parentExists); err != nil {
			return nil, err
		}
		if !parentExists {
			return nil, trailserr.New(trailserr.KindUnknownParent, p.ParentID.String())
		}
	}

	roleRefs, _ := json.Marshal(p.RoleRefs)
	originator, _ := json.Marshal(p.Originator)
	now := time.Now().UTC()
	startDay := now.Unix() / 86400

	reg := &store.Registry{
		ID:            p.ChildID,
		ParentID:      p.ParentID,
		Name:          p.Name,
		RoleRefs:      p.RoleRefs,
		Originator:    p.Originator,
		RegisteredAt:  now,
		StartDayHint:  startDay,
		StartDeadline: p.StartDeadline,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO registry (id, parent_id, name, role_refs, originator, registered_at, start_day_hint, start_deadline_seconds, pub_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)
	`, reg.ID, reg.ParentID, reg.Name, roleRefs, originator, reg.RegisteredAt, reg.StartDayHint, p.StartDeadline.Seconds())
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO session_status (id, state, last_seq, server_instance, updated_at)
		VALUES ($1, $2, 0, '', $3)
	`, reg.ID, store.StateScheduled, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return reg, nil
}

func (d *DB) CancelIntent(ctx context.Context, childID uuid.UUID) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var state string
	err = tx.QueryRow(ctx, `SELECT state FROM session_status WHERE id = $1 FOR UPDATE`, childID).Scan(&state)
	if err == pgx.ErrNoRows {
		return trailserr.New(trailserr.KindUnknown, childID.String())
	}
	if err != nil {
		return err
	}
	if store.State(state) != store.StateScheduled {
		return trailserr.New(trailserr.KindNotScheduled, childID.String())
	}

	_, err = tx.Exec(ctx, `UPDATE session_status SET state = $2, updated_at = now() WHERE id = $1`,
		childID, store.StateCancelled)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (d *DB) GetRegistry(ctx context.Context, id uuid.UUID) (*store.Registry, error) {
	var reg store.Registry
	var roleRefs, originator []byte
	var procInfo []byte
	var deadlineSeconds float64
	err := d.pool.QueryRow(ctx, `
		SELECT id, parent_id, name, role_refs, process_info, originator, registered_at, start_day_hint, start_deadline_seconds, pub_key
		FROM registry WHERE id = $1
	`, id).Scan(&reg.ID, &reg.ParentID, &reg.Name, &roleRefs, &procInfo, &originator, &reg.RegisteredAt, &reg.StartDayHint, &deadlineSeconds, &reg.PubKey)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	reg.StartDeadline = time.Duration(deadlineSeconds * float64(time.Second))
	_ = json.Unmarshal(roleRefs, &reg.RoleRefs)
	_ = json.Unmarshal(originator, &reg.Originator)
	if len(procInfo) > 0 {
		var pi store.ProcessInfo
		if err := json.Unmarshal(procInfo, &pi); err == nil {
			reg.ProcessInfo = &pi
		}
	}
	return &reg, nil
}

func (d *DB) GetStatus(ctx context.Context, id uuid.UUID) (*store.SessionStatus, error) {
	var s store.SessionStatus
	var state string
	err := d.pool.QueryRow(ctx, `
		SELECT id, state, last_seq, connected_at, disconnected_at, server_instance, updated_at
		FROM session_status WHERE id = $1
	`, id).Scan(&s.ID, &state, &s.LastSeq, &s.ConnectedAt, &s.DisconnectedAt, &s.ServerInstance, &s.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.State = store.State(state)
	return &s, nil
}

func (d *DB) SetPubKey(ctx context.Context, id uuid.UUID, pubKey []byte) error {
	_, err := d.pool.Exec(ctx, `UPDATE registry SET pub_key = $2 WHERE id = $1`, id, pubKey)
	return err
}

func (d *DB) SetProcessInfo(ctx context.Context, id uuid.UUID, info *store.ProcessInfo) error {
	if info == nil {
		return nil
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `UPDATE registry SET process_info = $2 WHERE id = $1`, id, raw)
	return err
}

func (d *DB) TransitionState(ctx context.Context, id uuid.UUID, to store.State, opts store.TransitionOpts) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE session_status SET
			state           = $2,
			connected_at    = COALESCE($3, connected_at),
			disconnected_at = COALESCE($4, disconnected_at),
			server_instance = COALESCE($5, server_instance),
			updated_at      = now()
		WHERE id = $1
	`, id, to, opts.ConnectedAt, opts.DisconnectedAt, opts.ServerInstance)
	return err
}

// ---- data path ----

func (d *DB) AppendMessage(ctx context.Context, m store.Message) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var lastSeq int64
	err = tx.QueryRow(ctx, `SELECT last_seq FROM session_status WHERE id = $1 FOR UPDATE`, m.ParticipantID).Scan(&lastSeq)
	if err != nil {
		return err
	}
	if m.Direction == store.DirIn && m.Seq <= lastSeq {
		return trailserr.New(trailserr.KindSequenceViolation, fmt.Sprintf("seq %d <= last_seq %d", m.Seq, lastSeq))
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (participant_id, direction, kind, seq, correlation_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, m.ParticipantID, m.Direction, m.Kind, m.Seq, m.CorrelationID, m.Payload)
	if err != nil {
		return err
	}

	if m.Kind == store.MsgStatus {
		_, err = tx.Exec(ctx, `
			INSERT INTO snapshots (participant_id, seq, payload, created_at)
			VALUES ($1, $2, $3, now())
		`, m.ParticipantID, m.Seq, m.Payload)
		if err != nil {
			return err
		}
	}

	if m.Direction == store.DirIn {
		_, err = tx.Exec(ctx, `UPDATE session_status SET last_seq = $2, updated_at = now() WHERE id = $1`,
			m.ParticipantID, m.Seq)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (d *DB) LatestSnapshot(ctx context.Context, id uuid.UUID) (*store.Snapshot, error) {
	var s store.Snapshot
	err := d.pool.QueryRow(ctx, `
		SELECT id, participant_id, seq, payload, created_at
		FROM snapshots WHERE participant_id = $1
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, id).Scan(&s.ID, &s.ParticipantID, &s.Seq, &s.Payload, &s.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *DB) RecentMessages(ctx context.Context, id uuid.UUID, limit int) ([]store.Message, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, participant_id, direction, kind, seq, correlation_id, payload, created_at
		FROM messages WHERE participant_id = $1
		ORDER BY id DESC LIMIT $2
	`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.ParticipantID, &m.Direction, &m.Kind, &m.Seq, &m.CorrelationID, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- crash / control ----

func (d *DB) RecordCrash(ctx context.Context, c store.Crash) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO crashes (participant_id, detected_at, kind, gap_seconds, aux)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ParticipantID, c.DetectedAt, c.Kind, c.GapSeconds, c.Aux)
	return err
}

func (d *DB) EnqueueControl(ctx context.Context, c store.ControlEnvelope) (int64, error) {
	var id int64
	err := d.pool.QueryRow(ctx, `
		INSERT INTO control_envelopes (participant_id, action, correlation_id, payload, sent_at, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id
	`, c.ParticipantID, c.Action, c.CorrelationID, c.Payload, c.SentAt).Scan(&id)
	return id, err
}

func (d *DB) MarkControlSent(ctx context.Context, id int64, sentAt time.Time) error {
	_, err := d.pool.Exec(ctx, `UPDATE control_envelopes SET sent_at = $2 WHERE id = $1`, id, sentAt)
	return err
}

func (d *DB) AckControl(ctx context.Context, id int64, ackedAt time.Time, result json.RawMessage) error {
	_, err := d.pool.Exec(ctx, `UPDATE control_envelopes SET acked_at = $2, ack_result = $3 WHERE id = $1`,
		id, ackedAt, result)
	return err
}

func (d *DB) PendingControl(ctx context.Context, id uuid.UUID) ([]store.ControlEnvelope, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, participant_id, action, correlation_id, payload, sent_at, acked_at, ack_result, created_at
		FROM control_envelopes WHERE participant_id = $1 AND sent_at IS NULL
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ControlEnvelope
	for rows.Next() {
		var c store.ControlEnvelope
		if err := rows.Scan(&c.ID, &c.ParticipantID, &c.Action, &c.CorrelationID, &c.Payload, &c.SentAt, &c.AckedAt, &c.AckResult, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- reconciliation ----

func (d *DB) ListOwnedNonTerminal(ctx context.Context, serverInstance string) ([]store.SessionStatus, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, state, last_seq, connected_at, disconnected_at, server_instance, updated_at
		FROM session_status
		WHERE server_instance = $1 AND state IN ($2, $3)
	`, serverInstance, store.StateConnected, store.StateRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.SessionStatus
	for rows.Next() {
		var s store.SessionStatus
		var state string
		if err := rows.Scan(&s.ID, &state, &s.LastSeq, &s.ConnectedAt, &s.DisconnectedAt, &s.ServerInstance, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.State = store.State(state)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *DB) ListScheduledWithDeadline(ctx context.Context) ([]store.ScheduledSession, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT r.id, r.parent_id, r.name, r.role_refs, r.originator, r.registered_at, r.start_day_hint, r.start_deadline_seconds,
		       s.state, s.last_seq, s.connected_at, s.disconnected_at, s.server_instance, s.updated_at
		FROM registry r JOIN session_status s ON s.id = r.id
		WHERE s.state = $1
	`, store.StateScheduled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ScheduledSession
	for rows.Next() {
		var ss store.ScheduledSession
		var roleRefs, originator []byte
		var state string
		var deadlineSeconds float64
		if err := rows.Scan(
			&ss.Registry.ID, &ss.Registry.ParentID, &ss.Registry.Name, &roleRefs, &originator,
			&ss.Registry.RegisteredAt, &ss.Registry.StartDayHint, &deadlineSeconds,
			&state, &ss.Status.LastSeq, &ss.Status.ConnectedAt, &ss.Status.DisconnectedAt,
			&ss.Status.ServerInstance, &ss.Status.UpdatedAt,
		); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(roleRefs, &ss.Registry.RoleRefs)
		_ = json.Unmarshal(originator, &ss.Registry.Originator)
		ss.Registry.StartDeadline = time.Duration(deadlineSeconds * float64(time.Second))
		ss.Status.ID = ss.Registry.ID
		ss.Status.State = store.State(state)
		out = append(out, ss)
	}
	return out, rows.Err()
}

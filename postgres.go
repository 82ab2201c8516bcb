package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgTimeout = 5 * time.Second

// ConnectPostgres opens a pool and checks it with a ping.
func ConnectPostgres(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// ============================================================================
// PostgresArchive
// ============================================================================

const archiveSchema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	firebase_id  TEXT PRIMARY KEY,
	sender_id    TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	content      TEXT NOT NULL,
	case_id      TEXT,
	attachments  JSONB NOT NULL DEFAULT '[]'::jsonb,
	sent_at      TIMESTAMPTZ NOT NULL,
	is_read      BOOLEAN NOT NULL DEFAULT FALSE,
	read_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS chat_messages_case_sent_idx ON chat_messages (case_id, sent_at);
`

// PostgresArchive is an Archiver writing straight to the durable database.
// Archive is an upsert keyed by the realtime message id, so repeated
// writes of the same message are harmless.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

func NewPostgresArchive(pool *pgxpool.Pool) *PostgresArchive {
	return &PostgresArchive{pool: pool}
}

// EnsureSchema creates the archive table if it is missing.
func (a *PostgresArchive) EnsureSchema(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, archiveSchema); err != nil {
		return fmt.Errorf("apply archive schema: %w", err)
	}
	return nil
}

func (a *PostgresArchive) Archive(ctx context.Context, rec ArchiveRecord) error {
	if a.pool == nil {
		return errors.New("db pool is nil")
	}
	atts := rec.Attachments
	if atts == nil {
		atts = []Attachment{}
	}
	attJSON, err := json.Marshal(atts)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}

	const upsertSQL = `
		INSERT INTO chat_messages (firebase_id, sender_id, recipient_id, content, case_id, attachments, sent_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		ON CONFLICT (firebase_id) DO UPDATE
		SET content = EXCLUDED.content,
		    attachments = EXCLUDED.attachments,
		    case_id = COALESCE(EXCLUDED.case_id, chat_messages.case_id)
	`

	ctx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()

	_, err = a.pool.Exec(ctx, upsertSQL,
		rec.FirebaseID, string(rec.SenderID), string(rec.RecipientID), rec.Content,
		string(rec.CaseID), attJSON, time.UnixMilli(rec.SentAt).UTC())
	if err != nil {
		return fmt.Errorf("archive message %s: %w", rec.FirebaseID, err)
	}
	return nil
}

func (a *PostgresArchive) MarkRead(ctx context.Context, messageID string) error {
	return a.MarkReadBatch(ctx, []string{messageID})
}

func (a *PostgresArchive) MarkReadBatch(ctx context.Context, messageIDs []string) error {
	if a.pool == nil {
		return errors.New("db pool is nil")
	}
	if len(messageIDs) == 0 {
		return nil
	}

	const updateSQL = `
		UPDATE chat_messages
		SET is_read = TRUE, read_at = NOW()
		WHERE firebase_id = ANY($1) AND is_read = FALSE
	`

	ctx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()

	if _, err := a.pool.Exec(ctx, updateSQL, messageIDs); err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}
	return nil
}

// ============================================================================
// PostgresDirectory
// ============================================================================

// PostgresDirectory resolves identities and case parties from the
// case-management tables users(id, firebase_uid) and
// cases(id, client_id, assigned_agent_id).
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

func (d *PostgresDirectory) ToRealtime(ctx context.Context, id DurableUserID) (RealtimeUserID, error) {
	var uid *string
	if err := d.queryRow(ctx, `SELECT firebase_uid FROM users WHERE id = $1`, string(id)).Scan(&uid); err != nil {
		return "", d.notFound(err, fmt.Errorf("durable user %s: %w", id, ErrUserNotFound))
	}
	if uid == nil || *uid == "" {
		return "", fmt.Errorf("durable user %s has no realtime id: %w", id, ErrUserNotFound)
	}
	return RealtimeUserID(*uid), nil
}

func (d *PostgresDirectory) ToDurable(ctx context.Context, id RealtimeUserID) (DurableUserID, error) {
	var uid string
	if err := d.queryRow(ctx, `SELECT id FROM users WHERE firebase_uid = $1`, string(id)).Scan(&uid); err != nil {
		return "", d.notFound(err, fmt.Errorf("realtime user %s: %w", id, ErrUserNotFound))
	}
	return DurableUserID(uid), nil
}

func (d *PostgresDirectory) CaseParticipants(ctx context.Context, c CaseID) (DurableUserID, DurableUserID, error) {
	var client string
	var agent *string
	err := d.queryRow(ctx, `SELECT client_id, assigned_agent_id FROM cases WHERE id = $1`, string(c)).Scan(&client, &agent)
	if err != nil {
		return "", "", d.notFound(err, fmt.Errorf("case %s: %w", c, ErrCaseNotFound))
	}
	if agent == nil || *agent == "" {
		return "", "", fmt.Errorf("case %s has no assigned agent", c)
	}
	return DurableUserID(client), DurableUserID(*agent), nil
}

type rowScanner struct {
	row    pgx.Row
	cancel context.CancelFunc
}

func (r rowScanner) Scan(dest ...any) error {
	defer r.cancel()
	return r.row.Scan(dest...)
}

func (d *PostgresDirectory) queryRow(ctx context.Context, sql string, args ...any) rowScanner {
	ctx, cancel := context.WithTimeout(ctx, pgTimeout)
	return rowScanner{row: d.pool.QueryRow(ctx, sql, args...), cancel: cancel}
}

func (d *PostgresDirectory) notFound(err, notFound error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound
	}
	return fmt.Errorf("directory query: %w", err)
}

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"chat-relay/internal/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	chat_id    TEXT NOT NULL,
	id         TEXT NOT NULL,
	kind       TEXT NOT NULL DEFAULT 'message',
	sender_id  TEXT NOT NULL,
	text       TEXT NOT NULL DEFAULT '',
	ts         BIGINT NOT NULL,
	seq        BIGINT NOT NULL DEFAULT 0,
	status     TEXT NOT NULL,
	read_by    TEXT[] NOT NULL DEFAULT '{}',
	edited     BOOLEAN NOT NULL DEFAULT FALSE,
	deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at BIGINT,
	reply_to   JSONB,
	file       JSONB,
	PRIMARY KEY (chat_id, id)
);
CREATE INDEX IF NOT EXISTS chat_messages_chat_ts ON chat_messages (chat_id, ts, seq);
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	display_name TEXT,
	email        TEXT,
	photo_url    TEXT
);
`

// Connect opens the PostgreSQL connection pool and makes sure the schema exists.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to apply schema: %w", err)
	}

	utils.Logger().Info("connected to PostgreSQL")
	return pool, nil
}

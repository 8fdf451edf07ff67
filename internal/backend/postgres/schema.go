package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// NotifyChannel is the LISTEN/NOTIFY channel the change triggers publish on.
const NotifyChannel = "pos_changes"

// maxNotifyPayload is the largest notification sent with full row images.
const maxNotifyPayload = 7900

// Open connects to Postgres and waits for it to accept connections.
func Open(ctx context.Context, dsn string, logger *logrus.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for i := 0; i < 30; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			logger.Info("Database connection established")
			return db, nil
		}
		logger.WithError(err).Info("Waiting for database...")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	db.Close()
	return nil, fmt.Errorf("database not reachable: %w", err)
}

// Migrate creates the orders and tables relations together with the triggers
// that bump row versions and publish change notifications.
func Migrate(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			mesa TEXT NOT NULL,
			items TEXT[] NOT NULL DEFAULT '{}',
			total NUMERIC(12,2) NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ,
			payment_method TEXT,
			sale_id TEXT,
			version BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS tables (
			id INTEGER PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'available',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_mesa_created_at ON orders(mesa, created_at DESC)`,
		`CREATE OR REPLACE FUNCTION bump_order_version() RETURNS trigger AS $$
		BEGIN
			NEW.version := OLD.version + 1;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS orders_bump_version ON orders`,
		`CREATE TRIGGER orders_bump_version BEFORE UPDATE ON orders
			FOR EACH ROW EXECUTE FUNCTION bump_order_version()`,
		`CREATE OR REPLACE FUNCTION notify_pos_change() RETURNS trigger AS $$
		DECLARE
			payload TEXT;
		BEGIN
			payload := json_build_object(
				'type', TG_OP,
				'table', TG_TABLE_NAME,
				'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
				'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END,
				'commit_timestamp', now()
			)::text;
			-- NOTIFY rejects payloads of 8000 bytes or more. Large rows go
			-- out without items and listeners refetch them.
			IF octet_length(payload) > ` + strconv.Itoa(maxNotifyPayload) + ` THEN
				payload := json_build_object(
					'type', TG_OP,
					'table', TG_TABLE_NAME,
					'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE to_jsonb(NEW) - 'items' END,
					'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE to_jsonb(OLD) - 'items' END,
					'commit_timestamp', now(),
					'truncated', true
				)::text;
			END IF;
			PERFORM pg_notify('` + NotifyChannel + `', payload);
			RETURN NULL;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS orders_notify ON orders`,
		`CREATE TRIGGER orders_notify AFTER INSERT OR UPDATE OR DELETE ON orders
			FOR EACH ROW EXECUTE FUNCTION notify_pos_change()`,
		`DROP TRIGGER IF EXISTS tables_notify ON tables`,
		`CREATE TRIGGER tables_notify AFTER INSERT OR UPDATE OR DELETE ON tables
			FOR EACH ROW EXECUTE FUNCTION notify_pos_change()`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// EnsureTables inserts table rows 1..count that do not exist yet. Existing
// rows keep their status.
func EnsureTables(ctx context.Context, db *sql.DB, count int) error {
	if count <= 0 {
		return nil
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO tables (id, status) SELECT n, 'available' FROM generate_series(1, $1) AS n
		ON CONFLICT (id) DO NOTHING`, count)
	if err != nil {
		return fmt.Errorf("failed to provision tables: %w", err)
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"filedrop/internal/models"
)

// History persists the outcome of finished transfers. It is an audit trail
// only; live sessions are never restored from it.
type History struct {
	db     *sql.DB
	driver string
}

// OpenHistory connects to the history database named by dsn. Postgres URLs and
// key=value DSNs use lib/pq; "sqlite://path", "file:" URIs and bare paths use
// sqlite3. An empty dsn returns nil, meaning history is disabled.
func OpenHistory(dsn string) (*History, error) {
	if dsn == "" {
		return nil, nil
	}
	driver, source := historyDriver(dsn)

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	h := &History{db: db, driver: driver}
	if err := h.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return h, nil
}

func historyDriver(dsn string) (driver, source string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"),
		strings.Contains(dsn, "host="):
		return "postgres", dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(dsn, "sqlite://")
	}
	return "sqlite3", dsn
}

func (h *History) migrate() error {
	ts, boolean := "TIMESTAMPTZ", "BOOLEAN"
	if h.driver == "sqlite3" {
		ts = "DATETIME"
	}
	_, err := h.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS transfer_history (
			id             TEXT PRIMARY KEY,
			file_name      TEXT NOT NULL,
			file_size      BIGINT NOT NULL,
			is_directory   %[2]s NOT NULL,
			file_count     INTEGER NOT NULL,
			sender_name    TEXT NOT NULL,
			recipient_name TEXT NOT NULL,
			status         TEXT NOT NULL,
			created_at     %[1]s NOT NULL,
			finished_at    %[1]s NOT NULL
		)`, ts, boolean))
	return err
}

// rebind rewrites ? placeholders into $N for postgres.
func (h *History) rebind(q string) string {
	if h.driver != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Record stores one finished transfer. Recording the same id twice keeps the
// first row.
func (h *History) Record(ctx context.Context, item models.TransferHistory) error {
	_, err := h.db.ExecContext(ctx, h.rebind(
		`INSERT INTO transfer_history
			(id, file_name, file_size, is_directory, file_count, sender_name, recipient_name, status, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`),
		item.ID, item.FileName, item.FileSize, item.IsDirectory, item.FileCount,
		item.SenderName, item.RecipientName, item.Status, item.CreatedAt.UTC(), item.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert history %q: %w", item.ID, err)
	}
	return nil
}

// List returns up to limit entries, newest first.
func (h *History) List(ctx context.Context, limit int) ([]models.TransferHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := h.db.QueryContext(ctx, h.rebind(
		`SELECT id, file_name, file_size, is_directory, file_count, sender_name, recipient_name, status, created_at, finished_at
		 FROM transfer_history ORDER BY finished_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var history []models.TransferHistory
	for rows.Next() {
		var item models.TransferHistory
		if err := rows.Scan(&item.ID, &item.FileName, &item.FileSize, &item.IsDirectory, &item.FileCount,
			&item.SenderName, &item.RecipientName, &item.Status, &item.CreatedAt, &item.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		history = append(history, item)
	}
	return history, rows.Err()
}

func (h *History) Close() error {
	return h.db.Close()
}

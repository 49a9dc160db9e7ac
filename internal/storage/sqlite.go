package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"herald/internal/announce"
	"herald/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateAnnouncement(ctx context.Context, a announce.Announcement) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO announcements(id, owner_id, destination_id, scope_id, content, title,
		                           scheduled_at, repeat_hours, rich, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.OwnerID, a.DestinationID, a.ScopeID, a.Content, a.Title,
		a.ScheduledAt.UTC().UnixMilli(), a.RepeatHours, boolInt(a.Rich), string(a.Status),
		a.CreatedAt.UTC().UnixMilli(), a.UpdatedAt.UTC().UnixMilli(),
	)
	return err
}

const announcementCols = `id, owner_id, destination_id, scope_id, content, title,
       scheduled_at, repeat_hours, rich, status, created_at, updated_at`

func (s *sqliteStore) GetAnnouncement(ctx context.Context, id string) (announce.Announcement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+announcementCols+` FROM announcements WHERE id = ?`, id)
	a, err := scanAnnouncement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return announce.Announcement{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return a, err
}

func (s *sqliteStore) ListAnnouncementsByStatus(ctx context.Context, status announce.Status, scopeID string) ([]announce.Announcement, error) {
	q := `SELECT ` + announcementCols + ` FROM announcements WHERE status = ?`
	args := []any{string(status)}
	if scopeID != "" {
		q += ` AND scope_id = ?`
		args = append(args, scopeID)
	}
	q += ` ORDER BY scheduled_at ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []announce.Announcement
	for rows.Next() {
		a, err := scanAnnouncement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateAnnouncementStatus(ctx context.Context, id string, from, to announce.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE announcements SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC().UnixMilli(), id, string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish "row moved already" from "row never existed".
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM announcements WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) UpdateAnnouncementTime(ctx context.Context, id string, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE announcements SET scheduled_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		next.UTC().UnixMilli(), time.Now().UTC().UnixMilli(), id, string(announce.StatusScheduled),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) CountActive(ctx context.Context, scopeID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM announcements WHERE status = ? AND scope_id = ?`,
		string(announce.StatusScheduled), scopeID,
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, announcement_id, destination_id, action, ok, reason, took_ms)
		 VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().UnixMilli(), e.AnnouncementID, e.DestinationID, e.Action,
		boolInt(e.OK), nullStr(e.Reason), e.TookMS,
	)
	return err
}

func (s *sqliteStore) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, olderThan.UTC().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnouncement(r rowScanner) (announce.Announcement, error) {
	var (
		a                             announce.Announcement
		schedMS, createdMS, updatedMS int64
		rich                          int
		status                        string
	)
	err := r.Scan(&a.ID, &a.OwnerID, &a.DestinationID, &a.ScopeID, &a.Content, &a.Title,
		&schedMS, &a.RepeatHours, &rich, &status, &createdMS, &updatedMS)
	if err != nil {
		return announce.Announcement{}, err
	}
	a.ScheduledAt = time.UnixMilli(schedMS).UTC()
	a.CreatedAt = time.UnixMilli(createdMS).UTC()
	a.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	a.Rich = rich != 0
	a.Status = announce.Status(status)
	return a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

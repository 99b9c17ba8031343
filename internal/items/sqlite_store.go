package items

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"flywheel/internal/common"
)

// ErrNotFound is returned when an item id does not exist.
var ErrNotFound = errors.New("item not found")

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		idea TEXT NOT NULL,
		generated_caption TEXT NOT NULL DEFAULT '',
		generated_asset_path TEXT NOT NULL DEFAULT '',
		edited_caption TEXT,
		status TEXT NOT NULL,
		published_id TEXT,
		published_url TEXT,
		published_at TEXT,
		scheduled_at TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(idea string, scheduledAt *time.Time) (*WorkItem, error) {
	if idea == "" {
		return nil, errors.New("idea is required")
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO items (idea, status, scheduled_at, created_at) VALUES (?, ?, ?, ?)`,
		idea, string(StatusGenerating), formatTimePtr(scheduledAt), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

const itemColumns = `id, idea, generated_caption, generated_asset_path, edited_caption, status,
	published_id, published_url, published_at, scheduled_at, error_message, created_at`

func (s *SQLiteStore) GetByID(id int64) (*WorkItem, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

func (s *SQLiteStore) ListByStatus(status Status) ([]*WorkItem, error) {
	query := `SELECT ` + itemColumns + ` FROM items ORDER BY created_at DESC, id DESC`
	args := []any{}
	if status != "" {
		query = `SELECT ` + itemColumns + ` FROM items WHERE status = ? ORDER BY created_at DESC, id DESC`
		args = append(args, string(status))
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *SQLiteStore) ListDue(now time.Time) ([]*WorkItem, error) {
	rows, err := s.db.Query(
		`SELECT `+itemColumns+` FROM items
		 WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC, id ASC`,
		string(StatusApproved), now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("list due items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *SQLiteStore) SaveGeneration(id int64, caption, assetPath string) error {
	return s.exec(id, `UPDATE items
		SET generated_caption = ?, generated_asset_path = ?, status = ?, error_message = NULL
		WHERE id = ?`,
		caption, assetPath, string(StatusPendingReview), id)
}

func (s *SQLiteStore) SaveFailure(id int64, message string) error {
	return s.exec(id, `UPDATE items SET status = ?, error_message = ? WHERE id = ?`,
		string(StatusFailed), message, id)
}

func (s *SQLiteStore) SaveApproval(id int64, scheduledAt *time.Time) error {
	return s.exec(id, `UPDATE items SET status = ?, scheduled_at = ?, error_message = NULL WHERE id = ?`,
		string(StatusApproved), formatTimePtr(scheduledAt), id)
}

func (s *SQLiteStore) SaveRejection(id int64) error {
	return s.exec(id, `UPDATE items SET status = ? WHERE id = ?`, string(StatusRejected), id)
}

func (s *SQLiteStore) SavePublication(id int64, publishedID, publishedURL string, publishedAt time.Time) error {
	return s.exec(id, `UPDATE items
		SET status = ?, published_id = ?, published_url = ?, published_at = ?, error_message = NULL
		WHERE id = ?`,
		string(StatusPosted), publishedID, publishedURL, publishedAt.UTC().Format(time.RFC3339Nano), id)
}

func (s *SQLiteStore) SetEditedCaption(id int64, caption string) error {
	return s.exec(id, `UPDATE items SET edited_caption = ? WHERE id = ?`, caption, id)
}

func (s *SQLiteStore) exec(id int64, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update item %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*WorkItem, error) {
	var item WorkItem
	var edited, pubID, pubURL, pubAt, schedAt, errMsg sql.NullString
	var status, created string
	if err := row.Scan(
		&item.ID,
		&item.Idea,
		&item.GeneratedCaption,
		&item.GeneratedAssetPath,
		&edited,
		&status,
		&pubID,
		&pubURL,
		&pubAt,
		&schedAt,
		&errMsg,
		&created,
	); err != nil {
		return nil, err
	}
	item.Status = Status(status)
	if edited.Valid {
		v := edited.String
		item.EditedCaption = &v
	}
	if pubID.Valid {
		v := pubID.String
		item.PublishedID = &v
	}
	if pubURL.Valid {
		v := pubURL.String
		item.PublishedURL = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		item.ErrorMessage = &v
	}
	item.PublishedAt = parseTimePtr(pubAt)
	item.ScheduledAt = parseTimePtr(schedAt)
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		item.CreatedAt = t
	}
	return &item, nil
}

func collectItems(rows *sql.Rows) ([]*WorkItem, error) {
	var out []*WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

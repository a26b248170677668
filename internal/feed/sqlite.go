package feed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/surplusnet/surplusnet/internal/market"
)

// SQLite is the production feed store.
type SQLite struct {
	conn *sqlx.DB
}

// OpenSQLite opens or creates the feed database at the given path.
func OpenSQLite(path string) (*SQLite, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open feed db: %w", err)
	}

	s := &SQLite{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate feed db: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		author_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		region TEXT NOT NULL,
		visibility TEXT NOT NULL,
		is_active INTEGER NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		thread_root_id TEXT NOT NULL DEFAULT '',
		reply_count INTEGER NOT NULL DEFAULT 0,
		view_count INTEGER NOT NULL DEFAULT 0,
		content_key TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_posts_region_kind ON posts(region, kind);
	CREATE INDEX IF NOT EXISTS idx_posts_thread ON posts(thread_root_id);
	CREATE INDEX IF NOT EXISTS idx_posts_created ON posts(created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_posts_content_key
		ON posts(author_id, kind, content_key) WHERE content_key != '';
	`
	_, err := s.conn.Exec(schema)
	return err
}

type postRow struct {
	ID           string       `db:"id"`
	AuthorID     string       `db:"author_id"`
	Kind         string       `db:"kind"`
	PayloadJSON  string       `db:"payload_json"`
	Region       string       `db:"region"`
	Visibility   string       `db:"visibility"`
	IsActive     int          `db:"is_active"`
	ParentID     string       `db:"parent_id"`
	ThreadRootID string       `db:"thread_root_id"`
	ReplyCount   int          `db:"reply_count"`
	ViewCount    int          `db:"view_count"`
	ContentKey   string       `db:"content_key"`
	CreatedAt    time.Time    `db:"created_at"`
	ExpiresAt    sql.NullTime `db:"expires_at"`
}

func (r postRow) toPost() (*market.FeedPost, error) {
	payload, err := market.UnmarshalPayload([]byte(r.PayloadJSON))
	if err != nil {
		return nil, err
	}
	post := &market.FeedPost{
		ID:           r.ID,
		AuthorID:     r.AuthorID,
		Kind:         market.PostKind(r.Kind),
		Payload:      payload,
		Region:       r.Region,
		Visibility:   market.Visibility(r.Visibility),
		Active:       r.IsActive == 1,
		ParentID:     r.ParentID,
		ThreadRootID: r.ThreadRootID,
		ReplyCount:   r.ReplyCount,
		ViewCount:    r.ViewCount,
		CreatedAt:    r.CreatedAt,
	}
	if r.ExpiresAt.Valid {
		post.ExpiresAt = r.ExpiresAt.Time
	}
	return post, nil
}

func (s *SQLite) insert(ctx context.Context, post *market.FeedPost, contentKey string, ignoreDup bool) (bool, error) {
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().UTC()
	}

	payloadJSON, err := market.MarshalPayload(post.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}

	active := 0
	if post.Active {
		active = 1
	}
	var expires any
	if !post.ExpiresAt.IsZero() {
		expires = post.ExpiresAt
	}

	verb := "INSERT"
	if ignoreDup {
		verb = "INSERT OR IGNORE"
	}
	res, err := s.conn.ExecContext(ctx, verb+` INTO posts
		(id, author_id, kind, payload_json, region, visibility, is_active,
		 parent_id, thread_root_id, reply_count, view_count, content_key,
		 created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		post.ID, post.AuthorID, string(post.Kind), string(payloadJSON),
		post.Region, string(post.Visibility), active,
		post.ParentID, post.ThreadRootID, post.ReplyCount, post.ViewCount,
		contentKey, post.CreatedAt, expires,
	)
	if err != nil {
		return false, fmt.Errorf("insert post: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Append writes a post unconditionally.
func (s *SQLite) Append(ctx context.Context, post *market.FeedPost) error {
	_, err := s.insert(ctx, post, "", false)
	return err
}

// AppendUnique writes a post only if its (author, kind, content key) is new.
// The unique partial index makes the check-then-insert atomic.
func (s *SQLite) AppendUnique(ctx context.Context, post *market.FeedPost, contentKey string) (bool, error) {
	if contentKey == "" {
		return false, errors.New("feed: empty content key")
	}
	return s.insert(ctx, post, contentKey, true)
}

// Get returns one post by id.
func (s *SQLite) Get(ctx context.Context, id string) (*market.FeedPost, error) {
	var row postRow
	err := s.conn.GetContext(ctx, &row, "SELECT * FROM posts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get post: %w", err)
	}
	return row.toPost()
}

// Query returns matching posts, oldest first. Stored columns narrow in SQL;
// the payload predicate runs in Go over the survivors.
func (s *SQLite) Query(ctx context.Context, f Filter) ([]*market.FeedPost, error) {
	q := "SELECT * FROM posts WHERE 1=1"
	var args []any

	if f.Region != "" {
		q += " AND (region = ? OR visibility = ?)"
		args = append(args, f.Region, string(market.VisibilityGlobal))
	}
	if len(f.Kinds) > 0 {
		q += " AND kind IN (?" + strings.Repeat(",?", len(f.Kinds)-1) + ")"
		for _, k := range f.Kinds {
			args = append(args, string(k))
		}
	}
	if f.Active != nil {
		q += " AND is_active = ?"
		if *f.Active {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if !f.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, f.Since)
	}
	if f.ExcludeAuthor != "" {
		q += " AND author_id != ?"
		args = append(args, f.ExcludeAuthor)
	}
	if f.AuthorID != "" {
		q += " AND author_id = ?"
		args = append(args, f.AuthorID)
	}
	if f.ThreadRootID != "" {
		q += " AND (thread_root_id = ? OR id = ?)"
		args = append(args, f.ThreadRootID, f.ThreadRootID)
	}
	q += " ORDER BY created_at ASC, id ASC"

	var rows []postRow
	if err := s.conn.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}

	var out []*market.FeedPost
	for _, r := range rows {
		post, err := r.toPost()
		if err != nil {
			return nil, err
		}
		if f.Payload != nil && !f.Payload(post.Payload) {
			continue
		}
		out = append(out, post)
	}
	return out, nil
}

// Update applies a patch to one post.
func (s *SQLite) Update(ctx context.Context, id string, patch Patch) error {
	q := "UPDATE posts SET reply_count = reply_count + ?, view_count = view_count + ?"
	args := []any{patch.ReplyCountDelta, patch.ViewCountDelta}
	if patch.Active != nil {
		q += ", is_active = ?"
		if *patch.Active {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	q += " WHERE id = ?"
	args = append(args, id)

	res, err := s.conn.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update post: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

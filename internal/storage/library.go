package storage

import (
	"context"
	"fmt"

	"island/internal/model"
)

// CreateCookie inserts a cookie and populates its CreatedAt.
func (s *SQLite) CreateCookie(ctx context.Context, c *model.Cookie) error {
	created := now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cookies (value, name, created_at) VALUES (?, ?, ?)`,
		c.Value, c.Name, created,
	)
	if err != nil {
		return fmt.Errorf("insert cookie: %w", err)
	}
	c.CreatedAt = parseTime(created)
	return nil
}

// GetCookie returns the cookie with the given value.
func (s *SQLite) GetCookie(ctx context.Context, value string) (*model.Cookie, error) {
	var c model.Cookie
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT value, name, created_at FROM cookies WHERE value = ?`, value,
	).Scan(&c.Value, &c.Name, &created)
	if err != nil {
		return nil, notFound(err, "cookie")
	}
	c.CreatedAt = parseTime(created)
	return &c, nil
}

// ListCookies returns all stored cookies, oldest first.
func (s *SQLite) ListCookies(ctx context.Context) ([]model.Cookie, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT value, name, created_at FROM cookies ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("query cookies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cookies []model.Cookie
	for rows.Next() {
		var c model.Cookie
		var created string
		if err := rows.Scan(&c.Value, &c.Name, &created); err != nil {
			return nil, fmt.Errorf("scan cookie: %w", err)
		}
		c.CreatedAt = parseTime(created)
		cookies = append(cookies, c)
	}
	return cookies, rows.Err()
}

// DeleteCookie removes a cookie by value.
func (s *SQLite) DeleteCookie(ctx context.Context, value string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cookies WHERE value = ?`, value)
	if err != nil {
		return fmt.Errorf("delete cookie: %w", err)
	}
	return mustAffect(res, "cookie")
}

// ReplaceSections swaps the stored section list for sections.
func (s *SQLite) ReplaceSections(ctx context.Context, sections []model.Section) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sections`); err != nil {
		return fmt.Errorf("delete sections: %w", err)
	}
	for _, sec := range sections {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO sections (id, name, position) VALUES (?, ?, ?)`,
			sec.ID, sec.Name, sec.Position,
		)
		if err != nil {
			return fmt.Errorf("insert section %s: %w", sec.ID, err)
		}
	}
	return tx.Commit()
}

// ListSections returns the stored sections in board order.
func (s *SQLite) ListSections(ctx context.Context) ([]model.Section, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, position FROM sections ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("query sections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sections []model.Section
	for rows.Next() {
		var sec model.Section
		if err := rows.Scan(&sec.ID, &sec.Name, &sec.Position); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		sections = append(sections, sec)
	}
	return sections, rows.Err()
}

// SaveThread copies the cached opener and replies of a thread into the
// saved posts, returning how many posts were saved.
func (s *SQLite) SaveThread(ctx context.Context, threadID int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO saved_posts
		   (thread_id, id, seq, parent_id, uid, content, image_url, section, created_at, reply_count, saved_at)
		 SELECT ?, id, seq, parent_id, uid, content, image_url, section, created_at, reply_count, ?
		 FROM posts WHERE feed_key = ?`,
		threadID, now(), model.ThreadFeed(threadID).String(),
	)
	if err != nil {
		return 0, fmt.Errorf("save thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("thread %d is not cached: %w", threadID, ErrNotFound)
	}
	return int(n), nil
}

// ListSavedThreads returns the opener of every saved thread.
func (s *SQLite) ListSavedThreads(ctx context.Context) ([]model.SavedPost, error) {
	return s.querySaved(ctx,
		`WHERE id = thread_id ORDER BY saved_at DESC, thread_id DESC`)
}

// ListSavedPosts returns every saved post of a thread in server order.
func (s *SQLite) ListSavedPosts(ctx context.Context, threadID int64) ([]model.SavedPost, error) {
	return s.querySaved(ctx, `WHERE thread_id = ? ORDER BY seq, id`, threadID)
}

// DeleteSaved removes a saved thread with all its posts.
func (s *SQLite) DeleteSaved(ctx context.Context, threadID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM saved_posts WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("delete saved thread: %w", err)
	}
	return mustAffect(res, fmt.Sprintf("saved thread %d", threadID))
}

func (s *SQLite) querySaved(ctx context.Context, where string, args ...any) ([]model.SavedPost, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, saved_at, id, parent_id, uid, content, image_url, section, created_at, reply_count, seq
		 FROM saved_posts `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query saved posts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var saved []model.SavedPost
	for rows.Next() {
		var sp model.SavedPost
		var savedAt, created string
		p := &sp.Post
		err := rows.Scan(&sp.ThreadID, &savedAt, &p.ID, &p.ParentID, &p.UID, &p.Content,
			&p.ImageURL, &p.Section, &created, &p.ReplyCount, &p.Seq)
		if err != nil {
			return nil, fmt.Errorf("scan saved post: %w", err)
		}
		sp.SavedAt = parseTime(savedAt)
		p.CreatedAt = parseTime(created)
		p.FeedKey = model.ThreadFeed(sp.ThreadID).String()
		saved = append(saved, sp)
	}
	return saved, rows.Err()
}

package storage

import (
	"context"
	"database/sql"
	"fmt"

	"island/internal/model"
)

const postColumns = `id, feed_key, parent_id, uid, content, image_url, section, created_at, reply_count, seq`

const upsertPost = `INSERT INTO posts (feed_key, id, seq, parent_id, uid, content, image_url, section, created_at, reply_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (feed_key, id) DO UPDATE SET
		seq = excluded.seq,
		parent_id = excluded.parent_id,
		uid = excluded.uid,
		content = excluded.content,
		image_url = excluded.image_url,
		section = excluded.section,
		created_at = excluded.created_at,
		reply_count = excluded.reply_count`

// UpsertPosts inserts posts into the feed, overwriting rows with the same id.
func (s *SQLite) UpsertPosts(ctx context.Context, key model.FeedKey, posts []model.Post) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertPosts(ctx, tx, key, posts); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit posts: %w", err)
	}
	s.changes.Bump(key.String())
	return nil
}

// ReplacePosts drops every cached row of the feed and stores posts instead.
func (s *SQLite) ReplacePosts(ctx context.Context, key model.FeedKey, posts []model.Post) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE feed_key = ?`, key.String()); err != nil {
		return fmt.Errorf("delete posts: %w", err)
	}
	if err := insertPosts(ctx, tx, key, posts); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit posts: %w", err)
	}
	s.changes.Bump(key.String())
	return nil
}

func insertPosts(ctx context.Context, tx *sql.Tx, key model.FeedKey, posts []model.Post) error {
	stmt, err := tx.PrepareContext(ctx, upsertPost)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range posts {
		_, err := stmt.ExecContext(ctx,
			key.String(), p.ID, p.Seq, p.ParentID, p.UID, p.Content, p.ImageURL,
			p.Section, formatTime(p.CreatedAt), p.ReplyCount,
		)
		if err != nil {
			return fmt.Errorf("upsert post %d: %w", p.ID, err)
		}
	}
	return nil
}

// QueryWindow returns up to limit posts of the feed starting at offset,
// in server order.
func (s *SQLite) QueryWindow(ctx context.Context, key model.FeedKey, offset, limit int) ([]model.Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE feed_key = ?
		 ORDER BY seq, id LIMIT ? OFFSET ?`,
		key.String(), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var posts []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// CountPosts returns the number of cached posts of the feed.
func (s *SQLite) CountPosts(ctx context.Context, key model.FeedKey) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts WHERE feed_key = ?`, key.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}

// GetPost returns a single cached post of the feed.
func (s *SQLite) GetPost(ctx context.Context, key model.FeedKey, id int64) (*model.Post, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE feed_key = ? AND id = ?`, key.String(), id,
	)
	p, err := scanPost(row)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePosts removes every cached post of the feed.
func (s *SQLite) DeletePosts(ctx context.Context, key model.FeedKey) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE feed_key = ?`, key.String()); err != nil {
		return fmt.Errorf("delete posts: %w", err)
	}
	s.changes.Bump(key.String())
	return nil
}

// WatchFeed returns a channel that receives a change counter whenever the
// cached rows of the feed are written.
func (s *SQLite) WatchFeed(ctx context.Context, key model.FeedKey) <-chan uint64 {
	return s.changes.Subscribe(ctx, key.String())
}

func scanPost(row scannable) (model.Post, error) {
	var p model.Post
	var created string
	err := row.Scan(&p.ID, &p.FeedKey, &p.ParentID, &p.UID, &p.Content, &p.ImageURL,
		&p.Section, &created, &p.ReplyCount, &p.Seq)
	if err != nil {
		return p, notFound(err, "post")
	}
	p.CreatedAt = parseTime(created)
	return p, nil
}

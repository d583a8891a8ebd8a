// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"

	"island/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the interface for all persistence operations.
type Storage interface {
	UpsertPosts(ctx context.Context, key model.FeedKey, posts []model.Post) error
	ReplacePosts(ctx context.Context, key model.FeedKey, posts []model.Post) error
	QueryWindow(ctx context.Context, key model.FeedKey, offset, limit int) ([]model.Post, error)
	CountPosts(ctx context.Context, key model.FeedKey) (int, error)
	GetPost(ctx context.Context, key model.FeedKey, id int64) (*model.Post, error)
	DeletePosts(ctx context.Context, key model.FeedKey) error
	WatchFeed(ctx context.Context, key model.FeedKey) <-chan uint64

	CreateRule(ctx context.Context, r *model.BlockRule) error
	UpdateRule(ctx context.Context, r *model.BlockRule) error
	GetRule(ctx context.Context, index int64) (*model.BlockRule, error)
	ListRules(ctx context.Context) ([]model.BlockRule, error)
	DeleteRule(ctx context.Context, index int64) error
	WatchRules(ctx context.Context) <-chan []model.BlockRule

	CreateCookie(ctx context.Context, c *model.Cookie) error
	GetCookie(ctx context.Context, value string) (*model.Cookie, error)
	ListCookies(ctx context.Context) ([]model.Cookie, error)
	DeleteCookie(ctx context.Context, value string) error

	ReplaceSections(ctx context.Context, sections []model.Section) error
	ListSections(ctx context.Context) ([]model.Section, error)

	SaveThread(ctx context.Context, threadID int64) (int, error)
	ListSavedThreads(ctx context.Context) ([]model.SavedPost, error)
	ListSavedPosts(ctx context.Context, threadID int64) ([]model.SavedPost, error)
	DeleteSaved(ctx context.Context, threadID int64) error

	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error

	Close() error
}

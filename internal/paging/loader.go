package paging

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"island/internal/filter"
	"island/internal/model"
	"island/internal/watch"
)

// seqStride separates the server order of consecutive pages.
const seqStride = 1 << 16

const (
	defaultPageSize = 20
	defaultPrefetch = 20
)

// Source fetches one page of a feed from the remote board. Page 1 of a
// thread feed starts with the thread opener.
type Source interface {
	FetchPage(ctx context.Context, key model.FeedKey, page int) ([]model.Post, error)
}

// Store is the part of the local cache a loader reads and writes.
type Store interface {
	UpsertPosts(ctx context.Context, key model.FeedKey, posts []model.Post) error
	ReplacePosts(ctx context.Context, key model.FeedKey, posts []model.Post) error
	QueryWindow(ctx context.Context, key model.FeedKey, offset, limit int) ([]model.Post, error)
	CountPosts(ctx context.Context, key model.FeedKey) (int, error)
	WatchFeed(ctx context.Context, key model.FeedKey) <-chan uint64
}

// Rules supplies the current block rules.
type Rules interface {
	Snapshot() []filter.Matcher
}

// Options tunes a loader. A negative Prefetch selects the default.
type Options struct {
	PageSize int
	Prefetch int
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.Prefetch < 0 {
		o.Prefetch = defaultPrefetch
	}
	return o
}

// Page is a window of cached posts.
type Page struct {
	Posts      []model.Post `json:"posts"`
	NextOffset int          `json:"next_offset"`
	EndReached bool         `json:"end_reached"`
}

type direction int

const (
	dirRefresh direction = iota + 1
	dirAppend
)

// Loader syncs one feed. At most one fetch runs at a time; concurrent
// refreshes share a single fetch and an append requested while any fetch
// is running is dropped.
type Loader struct {
	key   model.FeedKey
	src   Source
	store Store
	rules Rules
	opts  Options
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	slot   chan struct{}
	group  singleflight.Group
	states watch.Value[LoadStates]

	mu         sync.Mutex
	nextPage   int
	endReached bool
	lastFailed direction
	closed     bool
}

// NewLoader creates a loader for key. Background fetches run until Close.
func NewLoader(key model.FeedKey, src Source, store Store, rules Rules, opts Options, log *slog.Logger) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loader{
		key:      key,
		src:      src,
		store:    store,
		rules:    rules,
		opts:     opts.withDefaults(),
		log:      log.With("feed", key.String()),
		ctx:      ctx,
		cancel:   cancel,
		slot:     make(chan struct{}, 1),
		nextPage: 1,
	}
	l.states.Set(LoadStates{Refresh: notLoading, Append: notLoading})
	return l
}

// Key returns the feed this loader syncs.
func (l *Loader) Key() model.FeedKey {
	return l.key
}

// Refresh reloads the first page and replaces the cached feed with it.
// On failure the cache is left untouched.
func (l *Loader) Refresh(ctx context.Context) error {
	return l.await(ctx, "refresh", func() error {
		select {
		case l.slot <- struct{}{}:
		case <-l.ctx.Done():
			return ErrClosed
		}
		defer func() { <-l.slot }()
		return l.load(dirRefresh, 1)
	})
}

// Append loads the next page. It does nothing when the end was reached or
// another fetch is running.
func (l *Loader) Append(ctx context.Context) error {
	return l.await(ctx, "append", func() error {
		select {
		case l.slot <- struct{}{}:
		default:
			return nil
		}
		defer func() { <-l.slot }()

		l.mu.Lock()
		page, end := l.nextPage, l.endReached
		l.mu.Unlock()
		if end {
			return nil
		}
		return l.load(dirAppend, page)
	})
}

// Retry repeats the last failed load with the same page.
func (l *Loader) Retry(ctx context.Context) error {
	l.mu.Lock()
	dir := l.lastFailed
	l.mu.Unlock()

	switch dir {
	case dirRefresh:
		return l.Refresh(ctx)
	case dirAppend:
		return l.Append(ctx)
	default:
		return nil
	}
}

// await runs fn once per name at a time on the loader's own context and
// waits for it unless ctx ends first.
func (l *Loader) await(ctx context.Context, name string, fn func() error) error {
	ch := l.group.DoChan(name, func() (any, error) {
		return nil, fn()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// load fetches page and stores it. The caller holds the fetch slot.
func (l *Loader) load(dir direction, page int) error {
	if l.ctx.Err() != nil {
		return ErrClosed
	}
	l.setState(dir, loading)

	posts, fetchErr := l.src.FetchPage(l.ctx, l.key, page)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if fetchErr != nil {
		return l.fail(dir, fmt.Errorf("fetch page %d: %w", page, fetchErr))
	}

	for i := range posts {
		posts[i].FeedKey = l.key.String()
		posts[i].Seq = int64(page)*seqStride + int64(i)
	}

	var err error
	if dir == dirRefresh {
		err = l.store.ReplacePosts(l.ctx, l.key, posts)
	} else {
		err = l.store.UpsertPosts(l.ctx, l.key, posts)
	}
	if err != nil {
		return l.fail(dir, fmt.Errorf("%w: store page %d: %w", ErrStorage, page, err))
	}

	l.nextPage = page + 1
	l.endReached = pageItems(l.key, page, posts) < l.opts.PageSize
	if dir == dirRefresh || l.lastFailed == dir {
		l.lastFailed = 0
	}
	l.log.Debug("page loaded", "page", page, "posts", len(posts), "end_reached", l.endReached)

	st, _ := l.states.Get()
	st.EndReached = l.endReached
	if dir == dirRefresh {
		st.Refresh = notLoading
		st.Append = notLoading
	} else {
		st.Append = notLoading
	}
	l.states.Set(st)
	return nil
}

// pageItems counts the posts of a page that the board pages by. The
// opener on page 1 of a thread does not count.
func pageItems(key model.FeedKey, page int, posts []model.Post) int {
	n := len(posts)
	if key.Kind == model.FeedThread && page == 1 && n > 0 {
		n--
	}
	return n
}

// fail records err for dir. The caller holds l.mu.
func (l *Loader) fail(dir direction, err error) error {
	l.lastFailed = dir
	l.log.Warn("load failed", "direction", dir.String(), "error", err)

	st, _ := l.states.Get()
	if dir == dirRefresh {
		st.Refresh = failed(err)
	} else {
		st.Append = failed(err)
	}
	l.states.Set(st)
	return err
}

func (l *Loader) setState(dir direction, s LoadState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, _ := l.states.Get()
	if dir == dirRefresh {
		st.Refresh = s
	} else {
		st.Append = s
	}
	l.states.Set(st)
}

// Window returns up to limit cached posts starting at offset. Reading close
// to the end of the cache triggers a background append unless a load has
// failed and awaits Retry. Blocked posts are
// left out of section feeds; NextOffset counts raw rows.
func (l *Loader) Window(ctx context.Context, offset, limit int) (Page, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = l.opts.PageSize
	}

	rows, err := l.store.QueryWindow(ctx, l.key, offset, limit)
	if err != nil {
		return Page{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	count, err := l.store.CountPosts(ctx, l.key)
	if err != nil {
		return Page{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	l.mu.Lock()
	end, closed := l.endReached, l.closed
	l.mu.Unlock()
	st, _ := l.states.Get()

	stalled := st.Refresh.Status == StatusError || st.Append.Status == StatusError
	if !end && !closed && !stalled && offset+limit+l.opts.Prefetch >= count {
		go func() {
			if err := l.Append(l.ctx); err != nil && l.ctx.Err() == nil {
				l.log.Debug("prefetch append", "error", err)
			}
		}()
	}

	posts := make([]model.Post, 0, len(rows))
	seq := slices.Values(rows)
	if l.key.Kind == model.FeedSection && l.rules != nil {
		seq = filter.Apply(seq, l.rules.Snapshot())
	}
	for p := range seq {
		posts = append(posts, p)
	}

	next := offset + len(rows)
	return Page{
		Posts:      posts,
		NextOffset: next,
		EndReached: end && next >= count,
	}, nil
}

// States returns the current load states.
func (l *Loader) States() LoadStates {
	st, _ := l.states.Get()
	return st
}

// WatchStates streams load state changes until ctx ends.
func (l *Loader) WatchStates(ctx context.Context) <-chan LoadStates {
	return l.states.Subscribe(ctx)
}

// WatchPosts signals every write to the cached feed until ctx ends.
func (l *Loader) WatchPosts(ctx context.Context) <-chan uint64 {
	return l.store.WatchFeed(ctx, l.key)
}

// Done is closed once the loader is closed.
func (l *Loader) Done() <-chan struct{} {
	return l.ctx.Done()
}

// Close stops background work. Fetches still in flight are discarded.
func (l *Loader) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cancel()
}

func (d direction) String() string {
	switch d {
	case dirRefresh:
		return "refresh"
	case dirAppend:
		return "append"
	default:
		return "none"
	}
}

package paging

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"island/internal/model"
)

// Manager owns the active loaders: one for the section being browsed and
// one for the thread being read.
type Manager struct {
	src   Source
	store Store
	rules Rules
	opts  Options
	log   *slog.Logger

	mu     sync.Mutex
	active map[model.FeedKind]*Loader
	closed bool
}

// NewManager creates a Manager that builds loaders from the given parts.
func NewManager(src Source, store Store, rules Rules, opts Options, log *slog.Logger) *Manager {
	return &Manager{
		src:    src,
		store:  store,
		rules:  rules,
		opts:   opts,
		log:    log,
		active: make(map[model.FeedKind]*Loader),
	}
}

// Open returns the loader for key. A new loader starts with a refresh and
// replaces the previous loader of the same kind, which is closed.
func (m *Manager) Open(key model.FeedKey) (*Loader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if l, ok := m.active[key.Kind]; ok {
		if l.Key() == key {
			return l, nil
		}
		l.Close()
		m.log.Debug("feed closed", "feed", l.Key().String())
	}

	l := NewLoader(key, m.src, m.store, m.rules, m.opts, m.log)
	m.active[key.Kind] = l
	m.log.Info("feed opened", "feed", key.String())

	go func() {
		if err := l.Refresh(l.ctx); err != nil && !errors.Is(err, ErrClosed) && l.ctx.Err() == nil {
			m.log.Warn("initial refresh", "feed", key.String(), "error", err)
		}
	}()
	return l, nil
}

// Active returns the open loader for key, if any.
func (m *Manager) Active(key model.FeedKey) (*Loader, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.active[key.Kind]
	if !ok || l.Key() != key {
		return nil, false
	}
	return l, true
}

// Follow opens the current section whenever the preferences change it. It
// returns when prefs is closed or ctx is done.
func (m *Manager) Follow(ctx context.Context, prefs <-chan model.Preferences) {
	current := ""
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-prefs:
			if !ok {
				return
			}
			if p.CurrentSection == "" || p.CurrentSection == current {
				continue
			}
			current = p.CurrentSection
			if _, err := m.Open(model.SectionFeed(current)); err != nil {
				m.log.Warn("open current section", "section", current, "error", err)
				return
			}
		}
	}
}

// Close stops every loader. Open fails afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for kind, l := range m.active {
		l.Close()
		delete(m.active, kind)
	}
}

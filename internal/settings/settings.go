// Package settings manages user preferences and board session cookies.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"island/internal/model"
	"island/internal/storage"
	"island/internal/watch"
)

const (
	keyPreferences     = "preferences"
	keySectionsUpdated = "sections_updated_at"

	defaultCookieName = "unnamed"
)

var (
	// ErrInvalidQR is returned when a scanned payload carries no cookie.
	ErrInvalidQR = errors.New("invalid cookie qr payload")
	// ErrCookieExists is returned when adding a cookie that is already stored.
	ErrCookieExists = errors.New("cookie already exists")
	// ErrEmptyCookie is returned when adding a blank cookie value.
	ErrEmptyCookie = errors.New("cookie value is required")
	// ErrInvalidPreferences wraps validation failures of Update.
	ErrInvalidPreferences = errors.New("invalid preferences")
)

// Store is the persistence the settings service needs.
type Store interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error

	CreateCookie(ctx context.Context, c *model.Cookie) error
	GetCookie(ctx context.Context, value string) (*model.Cookie, error)
	ListCookies(ctx context.Context) ([]model.Cookie, error)
	DeleteCookie(ctx context.Context, value string) error
}

// Service exposes the persisted preferences as a live value.
type Service struct {
	store Store
	log   *slog.Logger

	mu    sync.Mutex // serializes writers
	prefs watch.Value[model.Preferences]
}

// New loads the stored preferences, falling back to defaults when none are
// stored or the stored ones are invalid.
func New(ctx context.Context, store Store, log *slog.Logger) (*Service, error) {
	s := &Service{store: store, log: log}

	p := model.DefaultPreferences()
	raw, ok, err := store.GetSetting(ctx, keyPreferences)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	if ok {
		loaded := model.DefaultPreferences()
		switch err := json.Unmarshal([]byte(raw), &loaded); {
		case err != nil:
			log.Warn("stored preferences are unreadable, using defaults", "error", err)
		case loaded.Validate() != nil:
			log.Warn("stored preferences are invalid, using defaults", "error", loaded.Validate())
		default:
			p = loaded
		}
	}

	s.prefs.Set(p)
	return s, nil
}

// Preferences returns the current preferences.
func (s *Service) Preferences() model.Preferences {
	p, _ := s.prefs.Get()
	return p
}

// Subscribe streams the current preferences and every change until ctx ends.
func (s *Service) Subscribe(ctx context.Context) <-chan model.Preferences {
	return s.prefs.Subscribe(ctx)
}

// Update applies fn to a copy of the current preferences, validates and
// persists the result, then publishes it.
func (s *Service) Update(ctx context.Context, fn func(*model.Preferences)) (model.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(ctx, fn)
}

func (s *Service) update(ctx context.Context, fn func(*model.Preferences)) (model.Preferences, error) {
	p := s.Preferences()
	fn(&p)
	if err := p.Validate(); err != nil {
		return model.Preferences{}, fmt.Errorf("%w: %w", ErrInvalidPreferences, err)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return model.Preferences{}, fmt.Errorf("encode preferences: %w", err)
	}
	if err := s.store.PutSetting(ctx, keyPreferences, string(data)); err != nil {
		return model.Preferences{}, fmt.Errorf("save preferences: %w", err)
	}

	s.prefs.Set(p)
	return p, nil
}

// CookieInUse returns the cookie sent with board requests.
func (s *Service) CookieInUse() string {
	return s.Preferences().CookieInUse
}

// Cookies lists the stored cookies.
func (s *Service) Cookies(ctx context.Context) ([]model.Cookie, error) {
	return s.store.ListCookies(ctx)
}

// AddCookie stores a new cookie. A blank name becomes "unnamed".
func (s *Service) AddCookie(ctx context.Context, value, name string) (*model.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addCookie(ctx, value, name)
}

func (s *Service) addCookie(ctx context.Context, value, name string) (*model.Cookie, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrEmptyCookie
	}
	_, err := s.store.GetCookie(ctx, value)
	switch {
	case err == nil:
		return nil, ErrCookieExists
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("lookup cookie: %w", err)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultCookieName
	}
	c := &model.Cookie{Value: value, Name: name}
	if err := s.store.CreateCookie(ctx, c); err != nil {
		return nil, err
	}
	s.log.Info("cookie added", "name", name)
	return c, nil
}

// DeleteCookie removes a cookie and stops using it if it was in use.
func (s *Service) DeleteCookie(ctx context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteCookie(ctx, value); err != nil {
		return err
	}
	if s.CookieInUse() != value {
		return nil
	}
	_, err := s.update(ctx, func(p *model.Preferences) { p.CookieInUse = "" })
	return err
}

// UseCookie makes a stored cookie the one in use.
func (s *Service) UseCookie(ctx context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetCookie(ctx, value); err != nil {
		return err
	}
	_, err := s.update(ctx, func(p *model.Preferences) { p.CookieInUse = value })
	return err
}

// ImportQR stores the cookie carried by a scanned QR payload, e.g.
// {"cookie":"abc","name":"main"}. The cookie becomes the one in use when no
// cookie was in use yet.
func (s *Service) ImportQR(ctx context.Context, text string) (*model.Cookie, error) {
	if !gjson.Valid(text) {
		return nil, fmt.Errorf("%w: not json", ErrInvalidQR)
	}
	value := strings.TrimSpace(gjson.Get(text, "cookie").String())
	if value == "" {
		return nil, fmt.Errorf("%w: missing cookie", ErrInvalidQR)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.addCookie(ctx, value, gjson.Get(text, "name").String())
	if errors.Is(err, ErrCookieExists) {
		c, err = s.store.GetCookie(ctx, value)
	}
	if err != nil {
		return nil, err
	}

	if s.CookieInUse() == "" {
		if _, err := s.update(ctx, func(p *model.Preferences) { p.CookieInUse = c.Value }); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SectionsUpdatedAt returns when the section list was last fetched.
func (s *Service) SectionsUpdatedAt(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := s.store.GetSetting(ctx, keySectionsUpdated)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		s.log.Warn("unreadable sections timestamp", "value", raw, "error", err)
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// MarkSectionsUpdated records that the section list was fetched at t.
func (s *Service) MarkSectionsUpdated(ctx context.Context, t time.Time) error {
	return s.store.PutSetting(ctx, keySectionsUpdated, t.UTC().Format(time.RFC3339))
}

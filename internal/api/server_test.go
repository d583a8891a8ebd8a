package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/gorilla/websocket"

	"island/internal/filter"
	"island/internal/model"
	"island/internal/paging"
	"island/internal/remote"
	"island/internal/settings"
	"island/internal/storage"
)

type fakeSource struct {
	mu    sync.Mutex
	feeds map[string][]model.Post
}

func (f *fakeSource) FetchPage(_ context.Context, key model.FeedKey, page int) ([]model.Post, error) {
	if page != 1 {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Post(nil), f.feeds[key.String()]...), nil
}

type sentPost struct {
	Section  string
	ThreadID int64
	Content  string
	Name     string
	Image    string
}

type fakePoster struct {
	mu   sync.Mutex
	sent []sentPost
	err  error
}

func (p *fakePoster) record(section string, threadID int64, d remote.Draft) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if err := d.Validate(); err != nil {
		return err
	}
	s := sentPost{Section: section, ThreadID: threadID, Content: d.Content, Name: d.Name}
	if d.Image != nil {
		data, _ := io.ReadAll(d.Image)
		s.Image = d.ImageName + ":" + string(data)
	}
	p.sent = append(p.sent, s)
	return nil
}

func (p *fakePoster) PostThread(_ context.Context, section string, d remote.Draft) error {
	return p.record(section, 0, d)
}

func (p *fakePoster) Reply(_ context.Context, threadID int64, d remote.Draft) error {
	return p.record("", threadID, d)
}

type testEnv struct {
	store    *storage.SQLite
	rules    *filter.RuleSet
	settings *settings.Service
	poster   *fakePoster
	handler  http.Handler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPosts(section string, first int64, contents ...string) []model.Post {
	posts := make([]model.Post, len(contents))
	for i, c := range contents {
		posts[i] = model.Post{
			ID:        first + int64(i),
			UID:       "u" + c,
			Content:   c,
			Section:   section,
			CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		}
	}
	return posts
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	log := discardLogger()

	store, err := storage.NewSQLite(ctx, ":memory:", log)
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	prefs, err := settings.New(ctx, store, log)
	if err != nil {
		t.Fatalf("new settings: %v", err)
	}

	src := &fakeSource{feeds: map[string][]model.Post{
		model.SectionFeed("sec1").String(): testPosts("sec1", 1, "hello", "spam here", "bye"),
		model.ThreadFeed(42).String():      testPosts("sec1", 42, "opener", "first reply", "second reply"),
	}}
	rules := filter.NewRuleSet(log)
	feeds := paging.NewManager(src, store, rules, paging.Options{PageSize: 20, Prefetch: 0}, log)
	t.Cleanup(feeds.Close)

	poster := &fakePoster{}
	return &testEnv{
		store:    store,
		rules:    rules,
		settings: prefs,
		poster:   poster,
		handler:  New(store, feeds, prefs, poster, log).Handler(),
	}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func wantStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

func postIDs(posts []model.Post) []int64 {
	ids := []int64{}
	for _, p := range posts {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestHealthAndRequestID(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/health", "")
	wantStatus(t, rec, http.StatusOK)
	if diff := cmp.Diff(map[string]string{"status": "ok"}, decode[map[string]string](t, rec)); diff != "" {
		t.Errorf("health mismatch (-want +got):\n%s", diff)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Error("generated request id is missing")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if diff := cmp.Diff("abc-123", rec.Header().Get(requestIDHeader)); diff != "" {
		t.Errorf("request id mismatch (-want +got):\n%s", diff)
	}
}

func TestSections(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/sections", "")
	wantStatus(t, rec, http.StatusOK)
	if diff := cmp.Diff([]model.Section{}, decode[[]model.Section](t, rec)); diff != "" {
		t.Errorf("empty sections mismatch (-want +got):\n%s", diff)
	}

	want := []model.Section{{ID: "sec1", Name: "Section 1", Position: 0}, {ID: "sec2", Name: "Section 2", Position: 1}}
	if err := e.store.ReplaceSections(context.Background(), want); err != nil {
		t.Fatalf("replace sections: %v", err)
	}
	rec = e.do(t, http.MethodGet, "/sections", "")
	if diff := cmp.Diff(want, decode[[]model.Section](t, rec)); diff != "" {
		t.Errorf("sections mismatch (-want +got):\n%s", diff)
	}
}

func TestFeedWindow(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/feeds/section/sec1/refresh", "")
	wantStatus(t, rec, http.StatusOK)
	// The refresh started by opening the feed may still be running.
	states := decode[paging.LoadStates](t, rec)
	if states.Refresh.Status == paging.StatusError || !states.EndReached {
		t.Errorf("states = %+v, want end reached without error", states)
	}

	rec = e.do(t, http.MethodGet, "/feeds/section/sec1?offset=0&limit=10", "")
	wantStatus(t, rec, http.StatusOK)
	page := decode[windowResponse](t, rec)
	if diff := cmp.Diff([]int64{1, 2, 3}, postIDs(page.Posts)); diff != "" {
		t.Errorf("post ids mismatch (-want +got):\n%s", diff)
	}
	if page.NextOffset != 3 || !page.EndReached {
		t.Errorf("next offset = %d, end reached = %v, want 3, true", page.NextOffset, page.EndReached)
	}
	if diff := cmp.Diff("sec1", e.settings.Preferences().CurrentSection); diff != "" {
		t.Errorf("current section mismatch (-want +got):\n%s", diff)
	}

	rec = e.do(t, http.MethodGet, "/feeds/section/sec1?offset=2", "")
	page = decode[windowResponse](t, rec)
	if diff := cmp.Diff([]int64{3}, postIDs(page.Posts)); diff != "" {
		t.Errorf("offset window mismatch (-want +got):\n%s", diff)
	}
}

func TestFeedWindowHidesBlockedSectionPosts(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/rules", `{"pattern":"spam","target":"content"}`)
	wantStatus(t, rec, http.StatusCreated)
	rules, err := e.store.ListRules(context.Background())
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	e.rules.Replace(rules)

	e.do(t, http.MethodPost, "/feeds/section/sec1/refresh", "")
	page := decode[windowResponse](t, e.do(t, http.MethodGet, "/feeds/section/sec1", ""))
	if diff := cmp.Diff([]int64{1, 3}, postIDs(page.Posts)); diff != "" {
		t.Errorf("section ids mismatch (-want +got):\n%s", diff)
	}
	if page.NextOffset != 3 {
		t.Errorf("next offset = %d, want 3", page.NextOffset)
	}

	e.do(t, http.MethodPost, "/feeds/thread/42/refresh", "")
	e.rules.Replace([]model.BlockRule{{Pattern: "reply", Enabled: true, Target: model.TargetAll}})
	page = decode[windowResponse](t, e.do(t, http.MethodGet, "/feeds/thread/42", ""))
	if diff := cmp.Diff([]int64{42, 43, 44}, postIDs(page.Posts)); diff != "" {
		t.Errorf("thread ids mismatch (-want +got):\n%s", diff)
	}
}

func TestFeedBadRequests(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		target string
	}{
		{name: "unknown kind", method: http.MethodGet, target: "/feeds/board/x"},
		{name: "non numeric thread", method: http.MethodGet, target: "/feeds/thread/abc"},
		{name: "negative offset", method: http.MethodGet, target: "/feeds/section/sec1?offset=-1"},
		{name: "limit too large", method: http.MethodGet, target: "/feeds/section/sec1?limit=101"},
		{name: "bad limit", method: http.MethodGet, target: "/feeds/section/sec1?limit=ten"},
		{name: "refresh unknown kind", method: http.MethodPost, target: "/feeds/board/x/refresh"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, tt.method, tt.target, "")
			wantStatus(t, rec, http.StatusBadRequest)
			if decode[map[string]string](t, rec)["error"] == "" {
				t.Error("error message is missing")
			}
		})
	}
}

func TestFeedStates(t *testing.T) {
	e := newTestEnv(t)

	e.do(t, http.MethodPost, "/feeds/thread/42/retry", "")
	rec := e.do(t, http.MethodGet, "/feeds/thread/42/states", "")
	wantStatus(t, rec, http.StatusOK)
	if got := decode[paging.LoadStates](t, rec); got.Refresh.Status == paging.StatusError {
		t.Errorf("refresh state = %+v, want no error", got.Refresh)
	}
}

func TestFeedStream(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feeds/thread/42/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var sawStates, sawChanged bool
	for !sawStates || !sawChanged {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v (states %v, changed %v)", err, sawStates, sawChanged)
		}
		sawStates = sawStates || msg.States != nil
		sawChanged = sawChanged || msg.Changed
	}
}

func TestRules(t *testing.T) {
	e := newTestEnv(t)
	ignoreTS := cmpopts.IgnoreFields(model.BlockRule{}, "CreatedAt")

	rec := e.do(t, http.MethodPost, "/rules", `{"pattern":"spam"}`)
	wantStatus(t, rec, http.StatusCreated)
	created := decode[ruleResponse](t, rec)
	want := ruleResponse{BlockRule: model.BlockRule{
		Index: 1, Name: "spam", Pattern: "spam", Enabled: true, Target: model.TargetAll,
	}}
	if diff := cmp.Diff(want, created, ignoreTS); diff != "" {
		t.Errorf("created rule mismatch (-want +got):\n%s", diff)
	}

	rec = e.do(t, http.MethodPost, "/rules", `{"name":"broken","pattern":"a(b","is_regex":true,"enabled":false,"target":"uid"}`)
	wantStatus(t, rec, http.StatusCreated)
	broken := decode[ruleResponse](t, rec)
	if broken.Warning == "" {
		t.Error("invalid regex warning is missing")
	}
	if broken.Enabled || broken.Target != model.TargetUID {
		t.Errorf("broken rule = %+v, want disabled uid rule", broken.BlockRule)
	}

	rec = e.do(t, http.MethodPut, "/rules/1", `{"name":"renamed","pattern":"ads","case_insensitive":true,"target":"content"}`)
	wantStatus(t, rec, http.StatusOK)
	want = ruleResponse{BlockRule: model.BlockRule{
		Index: 1, Name: "renamed", Pattern: "ads", CaseInsensitive: true, Enabled: true, Target: model.TargetContent,
	}}
	if diff := cmp.Diff(want, decode[ruleResponse](t, rec), ignoreTS); diff != "" {
		t.Errorf("updated rule mismatch (-want +got):\n%s", diff)
	}

	rec = e.do(t, http.MethodGet, "/rules/1", "")
	wantStatus(t, rec, http.StatusOK)
	if diff := cmp.Diff(want, decode[ruleResponse](t, rec), ignoreTS); diff != "" {
		t.Errorf("fetched rule mismatch (-want +got):\n%s", diff)
	}

	rec = e.do(t, http.MethodGet, "/rules", "")
	if got := decode[[]ruleResponse](t, rec); len(got) != 2 {
		t.Fatalf("listed %d rules, want 2", len(got))
	}

	wantStatus(t, e.do(t, http.MethodDelete, "/rules/2", ""), http.StatusNoContent)
	wantStatus(t, e.do(t, http.MethodGet, "/rules/2", ""), http.StatusNotFound)
	wantStatus(t, e.do(t, http.MethodPut, "/rules/9", `{"pattern":"x"}`), http.StatusNotFound)
	wantStatus(t, e.do(t, http.MethodDelete, "/rules/9", ""), http.StatusNotFound)
}

func TestRuleValidation(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "blank pattern", body: `{"pattern":"  "}`},
		{name: "unknown target", body: `{"pattern":"x","target":"title"}`},
		{name: "unknown field", body: `{"pattern":"x","colour":"red"}`},
		{name: "not json", body: `pattern=x`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantStatus(t, e.do(t, http.MethodPost, "/rules", tt.body), http.StatusBadRequest)
		})
	}
}

func TestCookies(t *testing.T) {
	e := newTestEnv(t)

	wantStatus(t, e.do(t, http.MethodPost, "/cookies", `{"value":"c1","name":"main"}`), http.StatusCreated)
	wantStatus(t, e.do(t, http.MethodPost, "/cookies", `{"value":"c1"}`), http.StatusConflict)
	wantStatus(t, e.do(t, http.MethodPost, "/cookies", `{"value":" "}`), http.StatusBadRequest)
	wantStatus(t, e.do(t, http.MethodPost, "/cookies/qr", "userhash=abc"), http.StatusBadRequest)

	rec := e.do(t, http.MethodPost, "/cookies/qr", `{"cookie":"c2","name":"alt"}`)
	wantStatus(t, rec, http.StatusCreated)
	if diff := cmp.Diff("c2", e.settings.CookieInUse()); diff != "" {
		t.Errorf("cookie in use after qr mismatch (-want +got):\n%s", diff)
	}

	rec = e.do(t, http.MethodPut, "/cookies/c1/use", "")
	wantStatus(t, rec, http.StatusOK)
	if diff := cmp.Diff("c1", decode[model.Preferences](t, rec).CookieInUse); diff != "" {
		t.Errorf("cookie in use mismatch (-want +got):\n%s", diff)
	}
	wantStatus(t, e.do(t, http.MethodPut, "/cookies/nope/use", ""), http.StatusNotFound)

	wantStatus(t, e.do(t, http.MethodDelete, "/cookies/c1", ""), http.StatusNoContent)
	wantStatus(t, e.do(t, http.MethodDelete, "/cookies/c1", ""), http.StatusNotFound)
	rec = e.do(t, http.MethodGet, "/cookies", "")
	got := decode[[]model.Cookie](t, rec)
	want := []model.Cookie{{Value: "c2", Name: "alt"}}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(model.Cookie{}, "CreatedAt")); diff != "" {
		t.Errorf("cookies mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("", e.settings.CookieInUse()); diff != "" {
		t.Errorf("cookie in use after delete mismatch (-want +got):\n%s", diff)
	}
}

func TestSettings(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/settings", "")
	wantStatus(t, rec, http.StatusOK)
	if diff := cmp.Diff(model.DefaultPreferences(), decode[model.Preferences](t, rec)); diff != "" {
		t.Errorf("default settings mismatch (-want +got):\n%s", diff)
	}

	rec = e.do(t, http.MethodPut, "/settings", `{"fab_size":72,"swipe_left":"new_thread","cookie_in_use":"sneaky"}`)
	wantStatus(t, rec, http.StatusOK)
	want := model.DefaultPreferences()
	want.FabSize = 72
	want.SwipeLeft = model.SwipeNewThread
	if diff := cmp.Diff(want, decode[model.Preferences](t, rec)); diff != "" {
		t.Errorf("updated settings mismatch (-want +got):\n%s", diff)
	}

	tests := []struct {
		name string
		body string
	}{
		{name: "fab size out of range", body: `{"fab_size":0}`},
		{name: "unknown swipe action", body: `{"swipe_up":"fly"}`},
		{name: "wrong type", body: `{"fab_size":"big"}`},
		{name: "not json", body: `fab_size=3`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantStatus(t, e.do(t, http.MethodPut, "/settings", tt.body), http.StatusBadRequest)
			if diff := cmp.Diff(want, e.settings.Preferences()); diff != "" {
				t.Errorf("settings changed (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSavedThreads(t *testing.T) {
	e := newTestEnv(t)

	wantStatus(t, e.do(t, http.MethodPost, "/threads/42/star", ""), http.StatusNotFound)

	e.do(t, http.MethodPost, "/feeds/thread/42/refresh", "")
	rec := e.do(t, http.MethodPost, "/threads/42/star", "")
	wantStatus(t, rec, http.StatusOK)
	if diff := cmp.Diff(map[string]int{"saved": 3}, decode[map[string]int](t, rec)); diff != "" {
		t.Errorf("star response mismatch (-want +got):\n%s", diff)
	}

	rec = e.do(t, http.MethodGet, "/saved", "")
	threads := decode[[]model.SavedPost](t, rec)
	if len(threads) != 1 || threads[0].ThreadID != 42 || threads[0].Post.ID != 42 {
		t.Errorf("saved threads = %+v, want opener of 42", threads)
	}

	rec = e.do(t, http.MethodGet, "/saved/42", "")
	wantStatus(t, rec, http.StatusOK)
	var ids []int64
	for _, sp := range decode[[]model.SavedPost](t, rec) {
		ids = append(ids, sp.Post.ID)
	}
	if diff := cmp.Diff([]int64{42, 43, 44}, ids); diff != "" {
		t.Errorf("saved posts mismatch (-want +got):\n%s", diff)
	}

	wantStatus(t, e.do(t, http.MethodDelete, "/saved/42", ""), http.StatusNoContent)
	wantStatus(t, e.do(t, http.MethodGet, "/saved/42", ""), http.StatusNotFound)
	wantStatus(t, e.do(t, http.MethodDelete, "/saved/42", ""), http.StatusNotFound)
}

func multipartBody(t *testing.T, fields map[string]string, image string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if image != "" {
		fw, err := mw.CreateFormFile("image", "pic.png")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write([]byte(image)); err != nil {
			t.Fatalf("write image: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) postForm(t *testing.T, target string, fields map[string]string, image string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, fields, image)
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestPostThreadAndReply(t *testing.T) {
	e := newTestEnv(t)

	rec := e.postForm(t, "/sections/sec1/threads", map[string]string{"content": "new thread", "name": "anon"}, "PNGDATA")
	wantStatus(t, rec, http.StatusCreated)

	rec = e.postForm(t, "/threads/42/replies", map[string]string{"content": "me too"}, "")
	wantStatus(t, rec, http.StatusCreated)

	want := []sentPost{
		{Section: "sec1", Content: "new thread", Name: "anon", Image: "pic.png:PNGDATA"},
		{ThreadID: 42, Content: "me too"},
	}
	if diff := cmp.Diff(want, e.poster.sent); diff != "" {
		t.Errorf("sent posts mismatch (-want +got):\n%s", diff)
	}

	n, err := e.store.CountPosts(context.Background(), model.ThreadFeed(42))
	if err != nil {
		t.Fatalf("count posts: %v", err)
	}
	if n != 3 {
		t.Errorf("thread has %d cached posts after reply, want 3", n)
	}
}

func TestPostErrors(t *testing.T) {
	e := newTestEnv(t)

	rec := e.postForm(t, "/threads/42/replies", map[string]string{"content": "  "}, "")
	wantStatus(t, rec, http.StatusBadRequest)

	wantStatus(t, e.do(t, http.MethodPost, "/threads/42/replies", `{"content":"json"}`), http.StatusBadRequest)

	e.poster.err = fmt.Errorf("%w: connection refused", remote.ErrNetwork)
	rec = e.postForm(t, "/sections/sec1/threads", map[string]string{"content": "hi"}, "")
	wantStatus(t, rec, http.StatusBadGateway)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("rule 3: %w", storage.ErrNotFound), want: http.StatusNotFound},
		{err: settings.ErrCookieExists, want: http.StatusConflict},
		{err: fmt.Errorf("%w: not json", settings.ErrInvalidQR), want: http.StatusBadRequest},
		{err: settings.ErrEmptyCookie, want: http.StatusBadRequest},
		{err: fmt.Errorf("%w: fab size", settings.ErrInvalidPreferences), want: http.StatusBadRequest},
		{err: remote.ErrEmptyDraft, want: http.StatusBadRequest},
		{err: fmt.Errorf("%w: timeout", remote.ErrNetwork), want: http.StatusBadGateway},
		{err: fmt.Errorf("%w: no posts", remote.ErrParse), want: http.StatusBadGateway},
		{err: paging.ErrClosed, want: http.StatusServiceUnavailable},
		{err: errors.New("disk full"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if diff := cmp.Diff(tt.want, statusFor(tt.err)); diff != "" {
				t.Errorf("statusFor() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

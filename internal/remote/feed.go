package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"island/internal/model"
)

// FeedSource pages through section threads using the board's RSS/Atom
// feeds. Thread replies are not published as feeds.
type FeedSource struct {
	http    HTTPClient
	base    *url.URL
	cookies CookieSource
	parser  *gofeed.Parser
	log     *slog.Logger
}

// NewFeedSource creates a FeedSource for the board at baseURL.
func NewFeedSource(client HTTPClient, baseURL string, cookies CookieSource, log *slog.Logger) (*FeedSource, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse board url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("board url %q must be absolute", baseURL)
	}
	if cookies == nil {
		cookies = NoCookie{}
	}
	return &FeedSource{
		http:    client,
		base:    base,
		cookies: cookies,
		parser:  gofeed.NewParser(),
		log:     log,
	}, nil
}

// FetchPage returns one page of a section feed.
func (f *FeedSource) FetchPage(ctx context.Context, key model.FeedKey, page int) ([]model.Post, error) {
	if key.Kind != model.FeedSection {
		return nil, fmt.Errorf("feed source cannot page %s", key)
	}

	target := resolve(f.base, "/f/"+key.ID+"/feed", url.Values{"page": {strconv.Itoa(page)}})
	req, err := newRequest(ctx, http.MethodGet, target, nil, f.cookies.CookieInUse())
	if err != nil {
		return nil, err
	}
	body, err := do(f.http, req)
	if err != nil {
		return nil, err
	}

	feed, err := f.parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse feed: %w", ErrParse, err)
	}
	f.log.Debug("fetched section feed", "feed", key, "page", page, "items", len(feed.Items))

	posts := make([]model.Post, 0, len(feed.Items))
	for _, item := range feed.Items {
		p, err := itemPost(item, f.base)
		if err != nil {
			return nil, err
		}
		p.Section = key.ID
		posts = append(posts, p)
	}
	return posts, nil
}

// itemID extracts the numeric post id from the item GUID, or failing that
// from the last path segment of its link.
func itemID(item *gofeed.Item) (int64, bool) {
	for _, candidate := range []string{item.GUID, item.Link} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if u, err := url.Parse(candidate); err == nil && u.Path != "" {
			candidate = path.Base(u.Path)
		}
		if id, err := strconv.ParseInt(candidate, 10, 64); err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}

func itemPost(item *gofeed.Item, base *url.URL) (model.Post, error) {
	id, ok := itemID(item)
	if !ok {
		return model.Post{}, fmt.Errorf("%w: feed item %q has no post id", ErrParse, item.GUID)
	}

	p := model.Post{ID: id}
	if item.Author != nil {
		p.UID = strings.TrimSpace(item.Author.Name)
	}
	if item.PublishedParsed != nil {
		p.CreatedAt = item.PublishedParsed.UTC()
	}

	raw := item.Content
	if raw == "" {
		raw = item.Description
	}
	if raw != "" {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
		if err != nil {
			return p, fmt.Errorf("%w: post %d content: %w", ErrParse, id, err)
		}
		doc.Find("br").ReplaceWithHtml("\n")
		p.Content = strings.TrimSpace(doc.Text())
	}

	if item.Image != nil && item.Image.URL != "" {
		if ref, err := url.Parse(item.Image.URL); err == nil {
			p.ImageURL = base.ResolveReference(ref).String()
		}
	} else {
		for _, enc := range item.Enclosures {
			if enc != nil && strings.HasPrefix(enc.Type, "image/") {
				if ref, err := url.Parse(enc.URL); err == nil {
					p.ImageURL = base.ResolveReference(ref).String()
				}
				break
			}
		}
	}

	return p, nil
}

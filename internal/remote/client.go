package remote

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"island/internal/model"
)

const (
	createdLayout = "2006-01-02 15:04:05"

	selSections = "#h-menu a[data-section-id]"
	selOpener   = ".h-threads-item-main"
	selReply    = ".h-threads-item-reply"
	selThread   = ".h-threads-item"
	selUID      = ".h-threads-info-uid"
	selCreated  = ".h-threads-info-createdat"
	selContent  = ".h-threads-content"
	selImage    = "a.h-threads-img-a"
)

// The board prints times in China Standard Time with a weekday in
// parentheses, e.g. "2021-05-01(六)12:00:01".
var (
	boardZone = time.FixedZone("CST", 8*60*60)
	weekdayRe = regexp.MustCompile(`\(.+?\)`)
)

// Client scrapes the board's HTML pages.
type Client struct {
	http    HTTPClient
	base    *url.URL
	cookies CookieSource
	log     *slog.Logger
}

// New creates a Client for the board at baseURL.
func New(client HTTPClient, baseURL string, cookies CookieSource, log *slog.Logger) (*Client, error) {
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
	return &Client{http: client, base: base, cookies: cookies, log: log}, nil
}

// FetchPage returns the posts on one page of a feed in server order.
// Page numbering starts at 1. Thread feeds include the opener on page 1.
func (c *Client) FetchPage(ctx context.Context, key model.FeedKey, page int) ([]model.Post, error) {
	query := url.Values{"page": {strconv.Itoa(page)}}

	switch key.Kind {
	case model.FeedSection:
		doc, err := c.document(ctx, "/f/"+key.ID, query)
		if err != nil {
			return nil, err
		}
		return parseSectionPage(doc, c.base, key.ID)
	case model.FeedThread:
		threadID, err := key.ThreadID()
		if err != nil {
			return nil, err
		}
		doc, err := c.document(ctx, "/t/"+key.ID, query)
		if err != nil {
			return nil, err
		}
		return parseThreadPage(doc, c.base, threadID, page == 1)
	default:
		return nil, fmt.Errorf("unsupported feed kind %q", key.Kind)
	}
}

// FetchSections returns the board's section list.
func (c *Client) FetchSections(ctx context.Context) ([]model.Section, error) {
	doc, err := c.document(ctx, "/Forum", nil)
	if err != nil {
		return nil, err
	}

	var sections []model.Section
	doc.Find(selSections).Each(func(i int, s *goquery.Selection) {
		id, _ := s.Attr("data-section-id")
		id = strings.TrimSpace(id)
		name := strings.TrimSpace(s.Text())
		if id == "" || name == "" {
			return
		}
		sections = append(sections, model.Section{ID: id, Name: name, Position: len(sections)})
	})
	if len(sections) == 0 {
		return nil, fmt.Errorf("%w: no sections found", ErrParse)
	}
	return sections, nil
}

func (c *Client) document(ctx context.Context, path string, query url.Values) (*goquery.Document, error) {
	req, err := newRequest(ctx, http.MethodGet, resolve(c.base, path, query), nil, c.cookies.CookieInUse())
	if err != nil {
		return nil, err
	}
	body, err := do(c.http, req)
	if err != nil {
		return nil, err
	}
	c.log.Debug("fetched board page", "path", path, "query", query.Encode(), "bytes", len(body))

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %w", ErrParse, err)
	}
	return doc, nil
}

func parseSectionPage(doc *goquery.Document, base *url.URL, section string) ([]model.Post, error) {
	var posts []model.Post
	var parseErr error
	doc.Find(selOpener).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		p, err := parseItem(s, base)
		if err != nil {
			parseErr = err
			return false
		}
		p.Section = section
		p.ReplyCount = replyCount(s)
		posts = append(posts, p)
		return true
	})
	return posts, parseErr
}

func parseThreadPage(doc *goquery.Document, base *url.URL, threadID int64, withOpener bool) ([]model.Post, error) {
	section, _ := doc.Find(selThread).First().Attr("data-section")
	section = strings.TrimSpace(section)

	var posts []model.Post
	if withOpener {
		opener := doc.Find(selOpener).First()
		if opener.Length() == 0 {
			return nil, fmt.Errorf("%w: thread %d has no opener", ErrParse, threadID)
		}
		p, err := parseItem(opener, base)
		if err != nil {
			return nil, err
		}
		p.Section = section
		p.ReplyCount = replyCount(opener)
		posts = append(posts, p)
	}

	var parseErr error
	doc.Find(selReply).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		p, err := parseItem(s, base)
		if err != nil {
			parseErr = err
			return false
		}
		p.ParentID = threadID
		p.Section = section
		posts = append(posts, p)
		return true
	})
	return posts, parseErr
}

func parseItem(s *goquery.Selection, base *url.URL) (model.Post, error) {
	var p model.Post

	raw, _ := s.Attr("data-threads-id")
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return p, fmt.Errorf("%w: invalid post id %q", ErrParse, raw)
	}
	p.ID = id

	p.UID = strings.TrimPrefix(strings.TrimSpace(s.Find(selUID).First().Text()), "ID:")

	created := strings.TrimSpace(s.Find(selCreated).First().Text())
	if created != "" {
		created = strings.Join(strings.Fields(weekdayRe.ReplaceAllString(created, " ")), " ")
		t, err := time.ParseInLocation(createdLayout, created, boardZone)
		if err != nil {
			return p, fmt.Errorf("%w: post %d created time %q", ErrParse, id, created)
		}
		p.CreatedAt = t.UTC()
	}

	content := s.Find(selContent).First().Clone()
	content.Find("br").ReplaceWithHtml("\n")
	p.Content = strings.TrimSpace(content.Text())

	if href, ok := s.Find(selImage).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return p, fmt.Errorf("%w: post %d image url %q", ErrParse, id, href)
		}
		p.ImageURL = base.ResolveReference(ref).String()
	}

	return p, nil
}

func replyCount(s *goquery.Selection) int {
	raw, ok := s.Attr("data-reply-count")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	postThreadPath = "/Home/Forum/doPostThread.html"
	replyPath      = "/Home/Forum/doReplyThread.html"
)

// ErrEmptyDraft is returned when a draft has neither content nor an image.
var ErrEmptyDraft = errors.New("draft has no content and no image")

// Draft is a new thread or reply ready to be sent.
type Draft struct {
	Content   string
	Name      string
	Email     string
	Title     string
	Watermark bool
	Image     io.Reader
	ImageName string
	ImageType string
}

// Validate rejects drafts that would post nothing.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Content) == "" && d.Image == nil {
		return ErrEmptyDraft
	}
	return nil
}

// PostThread opens a new thread in section.
func (c *Client) PostThread(ctx context.Context, section string, d Draft) error {
	return c.send(ctx, postThreadPath, "fid", section, d)
}

// Reply posts d as a reply to threadID.
func (c *Client) Reply(ctx context.Context, threadID int64, d Draft) error {
	return c.send(ctx, replyPath, "resto", strconv.FormatInt(threadID, 10), d)
}

func (c *Client) send(ctx context.Context, path, targetField, target string, d Draft) error {
	if err := d.Validate(); err != nil {
		return err
	}

	body, contentType, err := encodeDraft(targetField, target, d)
	if err != nil {
		return err
	}

	req, err := newRequest(ctx, http.MethodPost, resolve(c.base, path, nil), body, c.cookies.CookieInUse())
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := do(c.http, req)
	if err != nil {
		return err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp))
	if err != nil {
		return fmt.Errorf("%w: parse post response: %w", ErrParse, err)
	}
	if msg := strings.TrimSpace(doc.Find(".error").First().Text()); msg != "" {
		return fmt.Errorf("board rejected post: %s", msg)
	}

	c.log.Info("posted", "path", path, targetField, target)
	return nil
}

func encodeDraft(targetField, target string, d Draft) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	water := ""
	if d.Watermark {
		water = "true"
	}
	fields := []struct{ name, value string }{
		{targetField, target},
		{"name", d.Name},
		{"email", d.Email},
		{"title", d.Title},
		{"content", d.Content},
		{"water", water},
	}
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f.name, err)
		}
	}

	if d.Image != nil {
		name := d.ImageName
		if name == "" {
			name = "image"
		}
		contentType := d.ImageType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, name))
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create image part: %w", err)
		}
		if _, err := io.Copy(part, d.Image); err != nil {
			return nil, "", fmt.Errorf("copy image: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

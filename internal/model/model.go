// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FeedKind distinguishes section feeds from thread (reply) feeds.
type FeedKind string

// Supported feed kinds.
const (
	FeedSection FeedKind = "section"
	FeedThread  FeedKind = "thread"
)

// FeedKey identifies one paged feed: the threads of a section or the
// replies of a thread.
type FeedKey struct {
	Kind FeedKind
	ID   string
}

// SectionFeed returns the key for the threads of a section.
func SectionFeed(section string) FeedKey {
	return FeedKey{Kind: FeedSection, ID: section}
}

// ThreadFeed returns the key for the replies of a thread.
func ThreadFeed(threadID int64) FeedKey {
	return FeedKey{Kind: FeedThread, ID: strconv.FormatInt(threadID, 10)}
}

// String returns the storage form of the key, e.g. "section:综合版1".
func (k FeedKey) String() string {
	return string(k.Kind) + ":" + k.ID
}

// ThreadID returns the numeric thread id of a thread feed.
func (k FeedKey) ThreadID() (int64, error) {
	if k.Kind != FeedThread {
		return 0, fmt.Errorf("feed %s is not a thread feed", k)
	}
	return strconv.ParseInt(k.ID, 10, 64)
}

// ParseFeedKey builds a FeedKey from its kind and id parts.
func ParseFeedKey(kind, id string) (FeedKey, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return FeedKey{}, fmt.Errorf("feed id is required")
	}
	switch FeedKind(kind) {
	case FeedSection:
		return SectionFeed(id), nil
	case FeedThread:
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil || n <= 0 {
			return FeedKey{}, fmt.Errorf("invalid thread id %q", id)
		}
		return ThreadFeed(n), nil
	default:
		return FeedKey{}, fmt.Errorf("invalid feed kind %q, use: section, thread", kind)
	}
}

// Post is one thread opener or reply as cached locally.
type Post struct {
	ID         int64     `json:"id"`
	FeedKey    string    `json:"-"`
	ParentID   int64     `json:"parent_id,omitempty"`
	UID        string    `json:"uid"`
	Content    string    `json:"content"`
	ImageURL   string    `json:"image_url,omitempty"`
	Section    string    `json:"section"`
	CreatedAt  time.Time `json:"created_at"`
	ReplyCount int       `json:"reply_count"`
	Seq        int64     `json:"-"`
}

// SavedPost is a post copied under a starred thread.
type SavedPost struct {
	ThreadID int64     `json:"thread_id"`
	Post     Post      `json:"post"`
	SavedAt  time.Time `json:"saved_at"`
}

// BlockTarget defines which part of a post a block rule is matched against.
type BlockTarget string

// Supported block targets.
const (
	TargetUID      BlockTarget = "uid"
	TargetContent  BlockTarget = "content"
	TargetSection  BlockTarget = "section"
	TargetThreadID BlockTarget = "thread_id"
	TargetAll      BlockTarget = "all"
)

// Valid reports whether t is one of the supported targets.
func (t BlockTarget) Valid() bool {
	switch t {
	case TargetUID, TargetContent, TargetSection, TargetThreadID, TargetAll:
		return true
	}
	return false
}

// BlockRule is a user-defined rule hiding matching posts from section feeds.
type BlockRule struct {
	Index           int64       `json:"index"`
	Name            string      `json:"name"`
	Pattern         string      `json:"pattern"`
	IsRegex         bool        `json:"is_regex"`
	CaseInsensitive bool        `json:"case_insensitive"`
	MatchEntire     bool        `json:"match_entire"`
	Enabled         bool        `json:"enabled"`
	Target          BlockTarget `json:"target"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Cookie is a board session cookie the user can post with.
type Cookie struct {
	Value     string    `json:"value"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Section is a board section as listed by the remote.
type Section struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

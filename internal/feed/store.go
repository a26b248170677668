// Package feed implements the shared marketplace feed: an append-only log of
// posts that every agent reads and writes. All coordination between agents
// happens through this blackboard, with per-key idempotent inserts instead
// of locks.
package feed

import (
	"context"
	"errors"
	"time"

	"github.com/surplusnet/surplusnet/internal/market"
)

// ErrNotFound means no post exists with the requested id.
var ErrNotFound = errors.New("feed: post not found")

// Filter narrows a feed query. Zero values mean "any".
type Filter struct {
	Region        string // matches the post region; global posts always match
	Kinds         []market.PostKind
	Active        *bool
	Since         time.Time // creation time lower bound
	ExcludeAuthor string    // drop posts authored by this agent
	AuthorID      string    // only posts authored by this agent
	ThreadRootID  string    // only posts in this thread

	// Payload filters on the decoded payload. Applied after the stored
	// filters, in Go; nil accepts everything.
	Payload func(market.Payload) bool
}

func (f Filter) wantsKind(k market.PostKind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, kind := range f.Kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// matches applies every filter clause to one post.
func (f Filter) matches(p *market.FeedPost) bool {
	if f.Region != "" && p.Region != f.Region && p.Visibility != market.VisibilityGlobal {
		return false
	}
	if !f.wantsKind(p.Kind) {
		return false
	}
	if f.Active != nil && p.Active != *f.Active {
		return false
	}
	if !f.Since.IsZero() && p.CreatedAt.Before(f.Since) {
		return false
	}
	if f.ExcludeAuthor != "" && p.AuthorID == f.ExcludeAuthor {
		return false
	}
	if f.AuthorID != "" && p.AuthorID != f.AuthorID {
		return false
	}
	if f.ThreadRootID != "" && p.ThreadRootID != f.ThreadRootID && p.ID != f.ThreadRootID {
		return false
	}
	if f.Payload != nil && !f.Payload(p.Payload) {
		return false
	}
	return true
}

// Patch describes an in-place post update.
type Patch struct {
	Active          *bool
	ReplyCountDelta int
	ViewCountDelta  int
}

// Store is the feed persistence contract.
type Store interface {
	// Append writes a post unconditionally.
	Append(ctx context.Context, post *market.FeedPost) error

	// AppendUnique writes a post only if no post with the same
	// (author, kind, content key) already exists. Returns whether the post
	// was inserted. This is the idempotency primitive that keeps repeated
	// cycles from double-posting.
	AppendUnique(ctx context.Context, post *market.FeedPost, contentKey string) (bool, error)

	// Get returns one post by id.
	Get(ctx context.Context, id string) (*market.FeedPost, error)

	// Query returns posts matching the filter, oldest first.
	Query(ctx context.Context, f Filter) ([]*market.FeedPost, error)

	// Update applies a patch to one post.
	Update(ctx context.Context, id string, patch Patch) error
}

package feed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/surplusnet/surplusnet/internal/market"
)

// Memory is an in-process Store with the same semantics as the sqlite store,
// including idempotent AppendUnique. Used by tests and dry runs.
type Memory struct {
	mu    sync.Mutex
	posts []*market.FeedPost
	keys  map[uniqueKey]bool
	clock func() time.Time
}

type uniqueKey struct {
	author string
	kind   market.PostKind
	key    string
}

// NewMemory creates an empty in-memory feed store.
func NewMemory() *Memory {
	return &Memory{keys: make(map[uniqueKey]bool), clock: time.Now}
}

// SetClock overrides the timestamp source. Test helper.
func (m *Memory) SetClock(clock func() time.Time) { m.clock = clock }

func (m *Memory) prepare(post *market.FeedPost) {
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = m.clock()
	}
}

// Append writes a post unconditionally.
func (m *Memory) Append(_ context.Context, post *market.FeedPost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepare(post)
	cp := *post
	m.posts = append(m.posts, &cp)
	return nil
}

// AppendUnique writes a post only if its (author, kind, content key) has not
// been written before.
func (m *Memory) AppendUnique(_ context.Context, post *market.FeedPost, contentKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := uniqueKey{author: post.AuthorID, kind: post.Kind, key: contentKey}
	if m.keys[k] {
		return false, nil
	}
	m.keys[k] = true

	m.prepare(post)
	cp := *post
	m.posts = append(m.posts, &cp)
	return true, nil
}

// Get returns one post by id.
func (m *Memory) Get(_ context.Context, id string) (*market.FeedPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.posts {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// Query returns matching posts, oldest first.
func (m *Memory) Query(_ context.Context, f Filter) ([]*market.FeedPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*market.FeedPost
	for _, p := range m.posts {
		if f.matches(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Update applies a patch to one post.
func (m *Memory) Update(_ context.Context, id string, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.posts {
		if p.ID != id {
			continue
		}
		if patch.Active != nil {
			p.Active = *patch.Active
		}
		p.ReplyCount += patch.ReplyCountDelta
		p.ViewCount += patch.ViewCountDelta
		return nil
	}
	return ErrNotFound
}

package feed

import (
	"context"
	"fmt"
	"sort"

	"github.com/surplusnet/surplusnet/internal/market"
)

// Thread is one negotiation: a root offer or request plus every reply that
// anchors to it, ordered by creation time. Replies are materialized as a
// flat ordered list keyed by the root id; nothing walks parent pointers.
type Thread struct {
	Root    *market.FeedPost
	Replies []*market.FeedPost
}

// LoadThread assembles the thread rooted at rootID from a store.
func LoadThread(ctx context.Context, s Store, rootID string) (*Thread, error) {
	root, err := s.Get(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("load thread root: %w", err)
	}

	replies, err := s.Query(ctx, Filter{
		ThreadRootID: rootID,
		Kinds:        []market.PostKind{market.PostReply},
	})
	if err != nil {
		return nil, fmt.Errorf("load thread replies: %w", err)
	}
	sort.SliceStable(replies, func(i, j int) bool {
		return replies[i].CreatedAt.Before(replies[j].CreatedAt)
	})

	return &Thread{Root: root, Replies: replies}, nil
}

// MessageCount counts the root plus every reply.
func (t *Thread) MessageCount() int {
	return 1 + len(t.Replies)
}

// LastReply returns the newest reply, or nil for an untouched thread.
func (t *Thread) LastReply() *market.FeedPost {
	if len(t.Replies) == 0 {
		return nil
	}
	return t.Replies[len(t.Replies)-1]
}

// LastID returns the id of the newest message in the thread.
func (t *Thread) LastID() string {
	if last := t.LastReply(); last != nil {
		return last.ID
	}
	return t.Root.ID
}

// CounterOfferPrices returns every counter-offer price in thread order.
// Replies without a structured counter-offer are skipped.
func (t *Thread) CounterOfferPrices() []float64 {
	var prices []float64
	for _, r := range t.Replies {
		if r.Payload.Reply != nil && r.Payload.Reply.CounterOffer != nil {
			prices = append(prices, r.Payload.Reply.CounterOffer.PricePerUnit)
		}
	}
	return prices
}

// Participants returns the distinct agent ids in the thread, root author
// first, in order of first appearance.
func (t *Thread) Participants() []string {
	seen := map[string]bool{t.Root.AuthorID: true}
	out := []string{t.Root.AuthorID}
	for _, r := range t.Replies {
		if !seen[r.AuthorID] {
			seen[r.AuthorID] = true
			out = append(out, r.AuthorID)
		}
	}
	return out
}

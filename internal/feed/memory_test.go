package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surplusnet/surplusnet/internal/market"
)

func offerPost(author, region string, price float64) *market.FeedPost {
	return &market.FeedPost{
		AuthorID: author,
		Kind:     market.PostOffer,
		Payload: market.Payload{Offer: &market.OfferPayload{
			MaterialKey:  "pet-clear",
			Category:     "plastic",
			Volume:       50,
			Unit:         "kg",
			PricePerUnit: price,
			QualityTier:  2,
		}},
		Region:     region,
		Visibility: market.VisibilityRegion,
		Active:     true,
	}
}

func TestAppendUniqueIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	first, err := store.AppendUnique(ctx, offerPost("agent-1", "north", 90), "offer:pet-clear")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.AppendUnique(ctx, offerPost("agent-1", "north", 95), "offer:pet-clear")
	require.NoError(t, err)
	assert.False(t, second, "same author+kind+key must not insert twice")

	// A different author may reuse the key.
	other, err := store.AppendUnique(ctx, offerPost("agent-2", "north", 90), "offer:pet-clear")
	require.NoError(t, err)
	assert.True(t, other)

	posts, err := store.Query(ctx, Filter{Kinds: []market.PostKind{market.PostOffer}})
	require.NoError(t, err)
	assert.Len(t, posts, 2)
}

func TestQueryRegionAndGlobalVisibility(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	require.NoError(t, store.Append(ctx, offerPost("a", "north", 90)))
	require.NoError(t, store.Append(ctx, offerPost("b", "south", 90)))

	global := offerPost("c", "south", 90)
	global.Visibility = market.VisibilityGlobal
	require.NoError(t, store.Append(ctx, global))

	posts, err := store.Query(ctx, Filter{Region: "north"})
	require.NoError(t, err)
	require.Len(t, posts, 2, "north post plus the globally visible one")

	authors := []string{posts[0].AuthorID, posts[1].AuthorID}
	assert.Contains(t, authors, "a")
	assert.Contains(t, authors, "c")
}

func TestQueryExcludeAuthorAndActive(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	mine := offerPost("me", "north", 90)
	require.NoError(t, store.Append(ctx, mine))
	require.NoError(t, store.Append(ctx, offerPost("them", "north", 90)))

	inactive := false
	require.NoError(t, store.Update(ctx, mine.ID, Patch{Active: &inactive}))

	active := true
	posts, err := store.Query(ctx, Filter{Active: &active, ExcludeAuthor: "me"})
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "them", posts[0].AuthorID)

	// The deactivated post is still retrievable directly.
	got, err := store.Get(ctx, mine.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestUpdateMissingPost(t *testing.T) {
	store := NewMemory()
	err := store.Update(context.Background(), "nope", Patch{ReplyCountDelta: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestThreadAssembly(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time {
		now = now.Add(time.Minute)
		return now
	})

	root := offerPost("seller", "north", 100)
	require.NoError(t, store.Append(ctx, root))

	prices := []float64{92, 96, 94}
	authors := []string{"buyer", "seller", "buyer"}
	for i, p := range prices {
		reply := &market.FeedPost{
			AuthorID: authors[i],
			Kind:     market.PostReply,
			Payload: market.Payload{Reply: &market.ReplyPayload{
				Message:      "counter",
				CounterOffer: &market.CounterOffer{PricePerUnit: p, Volume: 50},
			}},
			Region:       "north",
			Active:       true,
			ParentID:     root.ID,
			ThreadRootID: root.ID,
		}
		require.NoError(t, store.Append(ctx, reply))
	}

	th, err := LoadThread(ctx, store, root.ID)
	require.NoError(t, err)

	assert.Equal(t, 4, th.MessageCount())
	assert.Equal(t, prices, th.CounterOfferPrices())
	assert.Equal(t, []string{"seller", "buyer"}, th.Participants())
	require.NotNil(t, th.LastReply())
	assert.Equal(t, 94.0, th.LastReply().Payload.Reply.CounterOffer.PricePerUnit)
	assert.Equal(t, th.LastReply().ID, th.LastID())
}

func TestExpiredPost(t *testing.T) {
	now := time.Now().UTC()
	p := offerPost("a", "north", 90)

	assert.False(t, p.Expired(now), "zero expiry never expires")

	p.ExpiresAt = now.Add(-time.Hour)
	assert.True(t, p.Expired(now))

	p.ExpiresAt = now.Add(time.Hour)
	assert.False(t, p.Expired(now))
}

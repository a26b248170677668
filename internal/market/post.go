package market

import (
	"encoding/json"
	"fmt"
	"time"
)

// PostKind discriminates the payload carried by a feed post.
type PostKind string

const (
	PostOffer        PostKind = "offer"
	PostRequest      PostKind = "request"
	PostReply        PostKind = "reply"
	PostAnnouncement PostKind = "announcement"
	PostDealProposal PostKind = "deal_proposal"
)

// Visibility scopes who sees a post.
type Visibility string

const (
	VisibilityRegion Visibility = "region"
	VisibilityGlobal Visibility = "global"
)

// CounterOffer is the structured negotiable part of a reply.
type CounterOffer struct {
	PricePerUnit float64 `json:"price_per_unit"`
	Volume       float64 `json:"volume"`
	Terms        string  `json:"terms,omitempty"`
}

// OfferPayload advertises surplus material for sale.
type OfferPayload struct {
	MaterialKey    string  `json:"material_key"`
	Category       string  `json:"material_category"`
	Subtype        string  `json:"material_subtype"`
	Volume         float64 `json:"volume"`
	Unit           string  `json:"unit"`
	PricePerUnit   float64 `json:"price_per_unit"`
	QualityTier    int     `json:"quality_tier"`
	Contamination  float64 `json:"contamination"`
	Processability float64 `json:"processability"`
}

// RequestPayload asks for material to buy.
type RequestPayload struct {
	MaterialKey     string  `json:"material_key"`
	Category        string  `json:"material_category"`
	Subtype         string  `json:"material_subtype"`
	Volume          float64 `json:"volume"`
	Unit            string  `json:"unit"`
	MaxPricePerUnit float64 `json:"max_price_per_unit"`
	QualityCeiling  int     `json:"quality_ceiling"`
	Standing        bool    `json:"standing,omitempty"` // re-priced every cycle
}

// ReplyPayload carries one negotiation message.
type ReplyPayload struct {
	Message      string        `json:"message"`
	CounterOffer *CounterOffer `json:"counter_offer,omitempty"`
}

// AnnouncementPayload is a broadcast with no negotiable content.
type AnnouncementPayload struct {
	Title    string  `json:"title"`
	Body     string  `json:"body"`
	Category string  `json:"material_category,omitempty"`
	Volume   float64 `json:"volume,omitempty"`
	Unit     string  `json:"unit,omitempty"`
	Rate     float64 `json:"rate,omitempty"` // quoted price or transport rate
}

// DealProposalPayload points at a structured deal awaiting approval.
type DealProposalPayload struct {
	DealID   string `json:"deal_id"`
	DealKind string `json:"deal_kind"` // bilateral | multi_party | cross_region
	Summary  string `json:"summary"`
}

// Payload is the tagged union of the kind-specific post bodies. Exactly one
// case is non-nil, matching the post's Kind.
type Payload struct {
	Offer        *OfferPayload        `json:"offer,omitempty"`
	Request      *RequestPayload      `json:"request,omitempty"`
	Reply        *ReplyPayload        `json:"reply,omitempty"`
	Announcement *AnnouncementPayload `json:"announcement,omitempty"`
	DealProposal *DealProposalPayload `json:"deal_proposal,omitempty"`
}

// Kind returns the post kind implied by which case is set.
func (p Payload) Kind() (PostKind, error) {
	switch {
	case p.Offer != nil:
		return PostOffer, nil
	case p.Request != nil:
		return PostRequest, nil
	case p.Reply != nil:
		return PostReply, nil
	case p.Announcement != nil:
		return PostAnnouncement, nil
	case p.DealProposal != nil:
		return PostDealProposal, nil
	}
	return "", fmt.Errorf("payload has no case set")
}

// Category returns the material category named by the payload, if any.
func (p Payload) Category() string {
	switch {
	case p.Offer != nil:
		return p.Offer.Category
	case p.Request != nil:
		return p.Request.Category
	case p.Announcement != nil:
		return p.Announcement.Category
	}
	return ""
}

// FeedPost is one unit of marketplace communication on the shared feed.
type FeedPost struct {
	ID       string   `json:"id"`
	AuthorID string   `json:"author_id"` // agent id
	Kind     PostKind `json:"kind"`
	Payload  Payload  `json:"payload"`

	Region     string     `json:"region"`
	Visibility Visibility `json:"visibility"`
	Active     bool       `json:"is_active"`

	// Thread structure. A root post has both fields empty; every reply
	// carries the immediate predecessor and the stable root anchor.
	ParentID     string `json:"parent_id,omitempty"`
	ThreadRootID string `json:"thread_root_id,omitempty"`

	ReplyCount int `json:"reply_count"`
	ViewCount  int `json:"view_count"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the post's advisory expiry has passed.
func (p *FeedPost) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// MarshalPayload encodes the payload for storage.
func MarshalPayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPayload decodes a stored payload.
func UnmarshalPayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

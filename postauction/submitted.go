package postauction

import (
	"time"

	"github.com/sharpyfox/rtbkit/agents"
	"github.com/sharpyfox/rtbkit/currency"
)

// BidOutcome is one agent's settled position on one spot.
type BidOutcome struct {
	Agent      string            `json:"agent"`
	Account    agents.AccountKey `json:"account"`
	Spot       int               `json:"spot"`
	CreativeID int               `json:"creative"`
	Price      currency.Amount   `json:"price"`
	Timestamp  time.Time         `json:"timestamp"`

	// Reason is set on losers: Outbid, BelowFloor, InsufficientBudget or
	// SlowMode.
	Reason string `json:"reason,omitempty"`
}

// SubmittedAuction is the record the engine hands to the post-auction loop
// once winners are committed. The loop owns it exclusively until its terminal
// event.
type SubmittedAuction struct {
	AuctionID string `json:"auctionId"`

	// RequestFingerprint identifies the originating bid request without
	// retaining it: "<exchange>/<request-id>".
	RequestFingerprint string `json:"requestFingerprint"`

	Winners []BidOutcome `json:"winners"`
	Losers  []BidOutcome `json:"losers,omitempty"`

	// SubmittedAt anchors the win-timeout clock.
	SubmittedAt time.Time `json:"submittedAt"`
	// WinDeadline is when a missing win notice becomes an assumed loss.
	WinDeadline time.Time `json:"winDeadline"`
}

// Submitter receives finished auctions from the engine.
type Submitter interface {
	Submit(*SubmittedAuction)
}

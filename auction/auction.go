package auction

import (
	"time"

	"github.com/sharpyfox/rtbkit/agents"
	"github.com/sharpyfox/rtbkit/bidrequest"
	"github.com/sharpyfox/rtbkit/currency"
	"github.com/sharpyfox/rtbkit/filters"
)

// State is the lifecycle position of an in-flight auction.
type State int

const (
	StateOpen State = iota
	StateSolicited
	StateCollecting
	StateResolved
	StateEmitted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateSolicited:
		return "solicited"
	case StateCollecting:
		return "collecting"
	case StateResolved:
		return "resolved"
	case StateEmitted:
		return "emitted"
	}
	return "unknown"
}

// Bid is one priced (spot, creative) pair from an agent.
type Bid struct {
	Agent      string
	Account    agents.AccountKey
	Spot       int
	CreativeID int
	Price      currency.Amount

	// ReceivedAt orders bids for the tie-break.
	ReceivedAt time.Time
}

// solicitation tracks one agent's participation in an auction.
type solicitation struct {
	entry     *agents.Entry
	spots     filters.BiddableSpots
	sentAt    time.Time
	deadline  time.Time
	responded bool
}

// Auction is the exclusive property of one shard worker from admission until
// emission. No lock is held on it; the owning shard serializes access.
type Auction struct {
	id      string
	request *bidrequest.BidRequest

	state    State
	openedAt time.Time
	deadline time.Time

	solicited map[string]*solicitation
	pending   int

	// bids per spot index, in arrival order
	bids [][]Bid

	result chan Result
}

// Winner is one spot's winning bid as returned upstream.
type Winner struct {
	Spot       int               `json:"spot"`
	Agent      string            `json:"agent"`
	Account    agents.AccountKey `json:"account"`
	CreativeID int               `json:"creative"`
	Price      currency.Amount   `json:"price"`
}

// Loss reasons attached to demoted or losing bids.
const (
	LossOutbid             = "Outbid"
	LossBelowFloor         = "BelowFloor"
	LossInsufficientBudget = "InsufficientBudget"
	LossSlowMode           = "SlowMode"
)

// Result is the engine's single answer per admitted request.
type Result struct {
	AuctionID string   `json:"auctionId"`
	NoBid     bool     `json:"noBid"`
	Winners   []Winner `json:"winners,omitempty"`
}

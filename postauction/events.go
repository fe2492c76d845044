package postauction

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sharpyfox/rtbkit/currency"
	"github.com/sharpyfox/rtbkit/errortypes"
)

// EventKind is a normalized adserver notification kind.
type EventKind string

const (
	EventWin        EventKind = "WIN"
	EventLoss       EventKind = "LOSS"
	EventImpression EventKind = "IMPRESSION"
	EventClick      EventKind = "CLICK"
)

// Event is one normalized adserver notification.
type Event struct {
	AuctionID string          `json:"auctionId"`
	Kind      EventKind       `json:"kind"`
	Spot      int             `json:"spot"`
	Timestamp time.Time       `json:"timestamp"`
	// Price is the exchange's settlement price on WIN events; zero means
	// settle at the bid price.
	Price        currency.Amount `json:"price,omitempty"`
	ProviderData json.RawMessage `json:"providerData,omitempty"`
}

// ParseEventKind maps a wire string through the configured dictionary onto a
// known kind. The dictionary absorbs exchange-specific vocabulary at the
// edge; known kinds always pass.
func ParseEventKind(raw string, dictionary map[string]string) (EventKind, error) {
	if mapped, ok := dictionary[raw]; ok {
		raw = mapped
	}
	switch EventKind(strings.ToUpper(raw)) {
	case EventWin:
		return EventWin, nil
	case EventLoss:
		return EventLoss, nil
	case EventImpression:
		return EventImpression, nil
	case EventClick:
		return EventClick, nil
	}
	return "", &errortypes.InvalidEvent{Message: fmt.Sprintf("unknown event kind %q", raw)}
}

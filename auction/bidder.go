package auction

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/sharpyfox/rtbkit/agents"
	"github.com/sharpyfox/rtbkit/bidrequest"
	"github.com/sharpyfox/rtbkit/currency"
	"github.com/sharpyfox/rtbkit/errortypes"
	"github.com/sharpyfox/rtbkit/filters"
	"github.com/sharpyfox/rtbkit/util/timeutil"
)

// Envelope kinds on the agent wire.
const (
	MessageAuction    = "AUCTION"
	MessageWin        = "WIN"
	MessageLoss       = "LOSS"
	MessageImpression = "IMPRESSION"
	MessageClick      = "CLICK"
	MessagePing       = "PING"
)

// Envelope is the agent protocol frame.
type Envelope struct {
	Kind      string          `json:"kind"`
	AuctionID string          `json:"auctionId"`
	AgentID   string          `json:"agentId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AuctionPayload is the AUCTION message body.
type AuctionPayload struct {
	Request    *bidrequest.BidRequest `json:"request"`
	Spots      filters.BiddableSpots  `json:"spots"`
	DeadlineMs int64                  `json:"deadlineMs"`
}

// WireBid is one bid as agents send it.
type WireBid struct {
	Spot        int             `json:"spot"`
	Creative    int             `json:"creative"`
	PriceMicros int64           `json:"priceMicros"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}

// BidResponse is the agent's answer to an AUCTION message.
type BidResponse struct {
	Bids []WireBid `json:"bids"`
}

// ResultPayload is the body of WIN and LOSS notifications to agents. The
// lightweight form carries only the spot and price; the full form repeats the
// request fingerprint.
type ResultPayload struct {
	Spot        int    `json:"spot"`
	PriceMicros int64  `json:"priceMicros"`
	Request     string `json:"request,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ResultNotifier pushes auction outcomes back to agents. The engine consults
// each agent's configured verbosity before calling.
type ResultNotifier interface {
	NotifyResult(agentName string, kind string, auctionID string, payload ResultPayload)
}

// breaker is a per-agent circuit breaker: open after K consecutive failures,
// half-open (one trial allowed) after the cool-down.
type breaker struct {
	failures  int
	openUntil time.Time
	halfOpen  bool
}

// HTTPBidder solicits agents over HTTP with a hard per-call deadline.
type HTTPBidder struct {
	baseURL string
	client  *fasthttp.Client
	clock   timeutil.Time

	maxFailures int
	cooldown    time.Duration

	breakersLock sync.Mutex
	breakers     map[string]*breaker
}

// NewHTTPBidder builds the agent client. maxFailures consecutive errors open
// the per-agent breaker for cooldown.
func NewHTTPBidder(baseURL string, maxFailures int, cooldown time.Duration, clock timeutil.Time) *HTTPBidder {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	return &HTTPBidder{
		baseURL:     baseURL,
		client:      &fasthttp.Client{Name: "rtb-router"},
		clock:       clock,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		breakers:    make(map[string]*breaker),
	}
}

// RequestBids sends the AUCTION envelope and delivers the parsed bids from
// its own goroutine.
func (b *HTTPBidder) RequestBids(auctionID string, req *bidrequest.BidRequest, entry *agents.Entry, spots filters.BiddableSpots, deadline time.Time, deliver func(bids []Bid, err error)) {
	if !b.allow(entry.Name) {
		go deliver(nil, &errortypes.AgentUnreachable{Message: fmt.Sprintf("circuit open for agent %s", entry.Name)})
		return
	}

	payload, err := json.Marshal(AuctionPayload{
		Request:    req,
		Spots:      spots,
		DeadlineMs: deadline.Sub(b.clock.Now()).Milliseconds(),
	})
	if err != nil {
		go deliver(nil, err)
		return
	}
	body, err := json.Marshal(Envelope{
		Kind:      MessageAuction,
		AuctionID: auctionID,
		AgentID:   entry.Name,
		Payload:   payload,
	})
	if err != nil {
		go deliver(nil, err)
		return
	}

	go func() {
		bids, err := b.post(entry, body, deadline)
		if err != nil {
			b.recordFailure(entry.Name)
			deliver(nil, err)
			return
		}
		b.recordSuccess(entry.Name)
		deliver(bids, nil)
	}()
}

func (b *HTTPBidder) post(entry *agents.Entry, body []byte, deadline time.Time) ([]Bid, error) {
	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(fmt.Sprintf("%s/v1/agents/%s/auctions", b.baseURL, url.PathEscape(entry.Name)))
	httpReq.Header.SetMethod("POST")
	httpReq.Header.SetContentType("application/json")
	httpReq.SetBody(body)

	if err := b.client.DoDeadline(httpReq, httpResp, deadline); err != nil {
		return nil, &errortypes.AgentUnreachable{Message: fmt.Sprintf("agent %s: %v", entry.Name, err)}
	}
	if httpResp.StatusCode() == fasthttp.StatusNoContent {
		return nil, nil
	}
	if httpResp.StatusCode() != fasthttp.StatusOK {
		return nil, &errortypes.AgentUnreachable{Message: fmt.Sprintf("agent %s returned %d", entry.Name, httpResp.StatusCode())}
	}

	var decoded BidResponse
	if err := json.Unmarshal(httpResp.Body(), &decoded); err != nil {
		return nil, &errortypes.InvalidBid{Message: fmt.Sprintf("agent %s sent a malformed bid response: %v", entry.Name, err)}
	}

	bids := make([]Bid, 0, len(decoded.Bids))
	for _, wb := range decoded.Bids {
		bids = append(bids, Bid{
			Agent:      entry.Name,
			Account:    entry.Config.Account,
			Spot:       wb.Spot,
			CreativeID: wb.Creative,
			Price:      currency.MicroUSD(wb.PriceMicros),
		})
	}
	return bids, nil
}

// NotifyResult posts a WIN or LOSS envelope to the agent, fire and forget.
// Result traffic shares the breaker so a dead agent is not hammered twice.
func (b *HTTPBidder) NotifyResult(agentName string, kind string, auctionID string, payload ResultPayload) {
	if !b.allow(agentName) {
		return
	}
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return
	}
	body, err := json.Marshal(Envelope{
		Kind:      kind,
		AuctionID: auctionID,
		AgentID:   agentName,
		Payload:   rawPayload,
	})
	if err != nil {
		return
	}

	go func() {
		httpReq := fasthttp.AcquireRequest()
		httpResp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(httpReq)
		defer fasthttp.ReleaseResponse(httpResp)

		httpReq.SetRequestURI(fmt.Sprintf("%s/v1/agents/%s/events", b.baseURL, url.PathEscape(agentName)))
		httpReq.Header.SetMethod("POST")
		httpReq.Header.SetContentType("application/json")
		httpReq.SetBody(body)

		if err := b.client.DoDeadline(httpReq, httpResp, b.clock.Now().Add(time.Second)); err != nil {
			b.recordFailure(agentName)
			return
		}
		b.recordSuccess(agentName)
	}()
}

// allow consults the agent's breaker, transitioning open breakers to
// half-open after the cool-down.
func (b *HTTPBidder) allow(agent string) bool {
	b.breakersLock.Lock()
	defer b.breakersLock.Unlock()
	br, ok := b.breakers[agent]
	if !ok || br.failures < b.maxFailures {
		return true
	}
	now := b.clock.Now()
	if now.Before(br.openUntil) {
		return false
	}
	if br.halfOpen {
		// a trial is already out
		return false
	}
	br.halfOpen = true
	return true
}

func (b *HTTPBidder) recordFailure(agent string) {
	b.breakersLock.Lock()
	defer b.breakersLock.Unlock()
	br, ok := b.breakers[agent]
	if !ok {
		br = &breaker{}
		b.breakers[agent] = br
	}
	br.failures++
	br.halfOpen = false
	if br.failures >= b.maxFailures {
		br.openUntil = b.clock.Now().Add(b.cooldown)
	}
}

func (b *HTTPBidder) recordSuccess(agent string) {
	b.breakersLock.Lock()
	defer b.breakersLock.Unlock()
	delete(b.breakers, agent)
}

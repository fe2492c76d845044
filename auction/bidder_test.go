package auction

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharpyfox/rtbkit/agents"
	"github.com/sharpyfox/rtbkit/currency"
	"github.com/sharpyfox/rtbkit/filters"
	"github.com/sharpyfox/rtbkit/util/timeutil"
)

func testEntry(t *testing.T) *agents.Entry {
	cfg, err := agents.ParseConfig([]byte(`{
		"account": "campaign:strategy",
		"creatives": [{"id": 1, "format": {"width": 300, "height": 250}}]
	}`))
	require.NoError(t, err)
	return &agents.Entry{Name: "agentA", Config: cfg}
}

func deliverChan() (func([]Bid, error), chan struct{}, *[]Bid, *error) {
	done := make(chan struct{})
	var bids []Bid
	var err error
	return func(b []Bid, e error) {
		bids, err = b, e
		close(done)
	}, done, &bids, &err
}

func await(t *testing.T, done chan struct{}) {
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bidder never delivered")
	}
}

func TestHTTPBidderRoundTrip(t *testing.T) {
	var received Envelope
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/agents/agentA/auctions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bids": [{"spot": 0, "creative": 1, "priceMicros": 2000000}]}`))
	}))
	defer server.Close()

	bidder := NewHTTPBidder(server.URL, 5, time.Second, &timeutil.RealTime{})
	deliver, done, bids, errp := deliverChan()

	entry := testEntry(t)
	spots := filters.BiddableSpots{{Spot: 0, Creatives: []int{1}}}
	bidder.RequestBids("auction-1", request("req-1"), entry, spots, time.Now().Add(time.Second), deliver)
	await(t, done)

	require.NoError(t, *errp)
	assert.Equal(t, MessageAuction, received.Kind)
	assert.Equal(t, "auction-1", received.AuctionID)
	assert.Equal(t, "agentA", received.AgentID)

	require.Len(t, *bids, 1)
	assert.Equal(t, currency.USD(2), (*bids)[0].Price)
	assert.Equal(t, "campaign:strategy", (*bids)[0].Account.String())
}

func TestHTTPBidderNoContentMeansNoBid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	bidder := NewHTTPBidder(server.URL, 5, time.Second, &timeutil.RealTime{})
	deliver, done, bids, errp := deliverChan()
	bidder.RequestBids("auction-1", request("req-1"), testEntry(t), nil, time.Now().Add(time.Second), deliver)
	await(t, done)

	assert.NoError(t, *errp)
	assert.Empty(t, *bids)
}

func TestNotifyResult(t *testing.T) {
	received := make(chan Envelope, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/agents/agentA/events", r.URL.Path)
		var env Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		received <- env
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	bidder := NewHTTPBidder(server.URL, 5, time.Second, &timeutil.RealTime{})
	bidder.NotifyResult("agentA", MessageWin, "auction-1", ResultPayload{Spot: 0, PriceMicros: 2000000})

	select {
	case env := <-received:
		assert.Equal(t, MessageWin, env.Kind)
		assert.Equal(t, "auction-1", env.AuctionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no result notification arrived")
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	clock := timeutil.NewMockClockAt(time.Date(2026, 8, 3, 13, 0, 0, 0, time.UTC))
	bidder := NewHTTPBidder("http://127.0.0.1:1", 3, 5*time.Second, clock)
	entry := testEntry(t)

	for i := 0; i < 3; i++ {
		deliver, done, _, errp := deliverChan()
		bidder.RequestBids("a", request("req-1"), entry, nil, time.Now().Add(100*time.Millisecond), deliver)
		await(t, done)
		assert.Error(t, *errp)
	}

	// breaker is now open: failures do not even hit the network
	deliver, done, _, errp := deliverChan()
	bidder.RequestBids("a", request("req-1"), entry, nil, time.Now().Add(time.Second), deliver)
	await(t, done)
	assert.Error(t, *errp)
	assert.Contains(t, (*errp).Error(), "circuit open")

	// after the cool-down one trial is let through; its success closes the breaker
	clock.Advance(6 * time.Second)
	assert.True(t, bidder.allow(entry.Name), "half-open allows one trial")
	assert.False(t, bidder.allow(entry.Name), "second trial is blocked while half-open")

	bidder.recordSuccess(entry.Name)
	assert.True(t, bidder.allow(entry.Name), "success closes the breaker")
}

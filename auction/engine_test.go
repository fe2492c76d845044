package auction

import (
	"encoding/json"
	"testing"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharpyfox/rtbkit/agents"
	"github.com/sharpyfox/rtbkit/banker"
	"github.com/sharpyfox/rtbkit/bidrequest"
	"github.com/sharpyfox/rtbkit/currency"
	"github.com/sharpyfox/rtbkit/filters"
	"github.com/sharpyfox/rtbkit/metrics"
	"github.com/sharpyfox/rtbkit/postauction"
	"github.com/sharpyfox/rtbkit/util/timeutil"
)

type solicitCall struct {
	auctionID string
	agent     string
	spots     filters.BiddableSpots
	deadline  time.Time
}

// fakeBidder records solicitations; tests feed bids back through
// Engine.ReceiveBid directly.
type fakeBidder struct {
	calls []solicitCall
}

func (f *fakeBidder) RequestBids(auctionID string, req *bidrequest.BidRequest, entry *agents.Entry, spots filters.BiddableSpots, deadline time.Time, deliver func(bids []Bid, err error)) {
	f.calls = append(f.calls, solicitCall{auctionID: auctionID, agent: entry.Name, spots: spots, deadline: deadline})
}

type fakeSubmitter struct {
	submitted []*postauction.SubmittedAuction
}

func (f *fakeSubmitter) Submit(sa *postauction.SubmittedAuction) {
	f.submitted = append(f.submitted, sa)
}

type masterStub struct {
	authorized currency.Amount
	unreach    bool
}

func (m *masterStub) Reauthorize(account string, spent, wanted currency.Amount) (currency.Amount, error) {
	if m.unreach {
		return currency.Amount{}, &testErr{}
	}
	return m.authorized, nil
}

type testErr struct{}

func (*testErr) Error() string { return "unreachable" }

type harness struct {
	engine    *Engine
	registry  *agents.Registry
	bidder    *fakeBidder
	submitter *fakeSubmitter
	bank      *banker.SlaveBanker
	master    *masterStub
	clock     *timeutil.MockClock
	me        *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	clock := timeutil.NewMockClockAt(time.Date(2026, 8, 3, 13, 0, 0, 0, time.UTC))
	me := metrics.NewMetrics(gometrics.NewRegistry())
	registry := agents.NewRegistry()
	master := &masterStub{authorized: currency.USD(10)}
	bank := banker.New(banker.Config{
		Float:                   currency.USD(10),
		ReauthorizePeriod:       time.Second,
		SlowModeTimeout:         5 * time.Second,
		SlowModeTolerance:       15 * time.Second,
		SlowModeMicrosPerSecond: 100000,
	}, master, me, clock)

	blacklist := filters.NewBlacklist(1024 * 1024)
	pipeline := filters.NewPipeline(me, blacklist)
	bidder := &fakeBidder{}
	submitter := &fakeSubmitter{}
	engine := NewEngine(Config{
		Timeout:     100 * time.Millisecond,
		Shards:      4,
		MaxBidPrice: currency.USD(40),
		WinTimeout:  time.Hour,
		Grace:       time.Second,
	}, registry, pipeline, blacklist, bank, bidder, submitter, me, clock)

	return &harness{
		engine:    engine,
		registry:  registry,
		bidder:    bidder,
		submitter: submitter,
		bank:      bank,
		master:    master,
		clock:     clock,
		me:        me,
	}
}

func (h *harness) publish(t *testing.T, name string, doc map[string]interface{}) {
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	cfg, err := h.registry.Publish(name, raw)
	require.NoError(t, err)
	h.bank.AddAccount(cfg.Account)
	h.bank.SyncAll()
}

func agentDoc() map[string]interface{} {
	return map[string]interface{}{
		"account":        "campaign:strategy",
		"bidProbability": 1.0,
		"maxInFlight":    10,
		"exchangeFilter": map[string]interface{}{"include": []string{"mock"}},
		"creatives": []interface{}{
			map[string]interface{}{
				"id":     1,
				"format": map[string]interface{}{"width": 300, "height": 250},
			},
		},
	}
}

func request(id string) *bidrequest.BidRequest {
	return &bidrequest.BidRequest{
		ID:        id,
		Exchange:  "mock",
		Timestamp: time.Date(2026, 8, 3, 13, 0, 0, 0, time.UTC),
		URL:       "http://news.example.com/story",
		Language:  "en",
		UserIDs:   map[string]string{"exchange": "user-1"},
		Spots: []bidrequest.AdSpot{
			{ID: "spot-0", Format: bidrequest.Format{Width: 300, Height: 250}, Floor: currency.USD(1)},
		},
	}
}

func bid(agent string, spot, creative int, price currency.Amount) Bid {
	return Bid{Agent: agent, Spot: spot, CreativeID: creative, Price: price}
}

func awaitResult(t *testing.T, ch <-chan Result) Result {
	select {
	case r := <-ch:
		return r
	case <-time.After(time.Second):
		t.Fatal("no auction result")
		return Result{}
	}
}

func TestSingleAgentWin(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "agentA", agentDoc())

	ch, err := h.engine.Admit(request("req-1"), 0)
	require.NoError(t, err)
	require.Len(t, h.bidder.calls, 1)
	assert.Equal(t, "agentA", h.bidder.calls[0].agent)

	require.NoError(t, h.engine.ReceiveBid("req-1", "agentA", []Bid{bid("agentA", 0, 1, currency.USD(2))}))

	result := awaitResult(t, ch)
	assert.False(t, result.NoBid)
	require.Len(t, result.Winners, 1)
	assert.Equal(t, "agentA", result.Winners[0].Agent)
	assert.Equal(t, currency.USD(2), result.Winners[0].Price)

	require.Len(t, h.submitter.submitted, 1)
	submitted := h.submitter.submitted[0]
	assert.Equal(t, result.AuctionID, submitted.AuctionID)
	assert.Equal(t, "mock/req-1", submitted.RequestFingerprint)
	require.Len(t, submitted.Winners, 1)
	assert.Equal(t, currency.USD(2), submitted.Winners[0].Price)

	status := h.bank.Status()
	require.Len(t, status, 1)
	assert.Equal(t, currency.USD(2), status[0].Held, "winner price is held until settlement")
	assert.Equal(t, 0, h.engine.InFlight("agentA"))
}

func TestNoBidWhenExchangeFiltered(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "agentA", agentDoc())

	req := request("req-1")
	req.Exchange = "other"
	ch, err := h.engine.Admit(req, 0)
	require.NoError(t, err)

	result := awaitResult(t, ch)
	assert.True(t, result.NoBid)
	assert.Empty(t, h.bidder.calls, "agent must not be contacted")

	meter := h.me.Registry().Get("filters.exchange.rejects")
	require.NotNil(t, meter)
	assert.Equal(t, int64(1), meter.(gometrics.Meter).Count())
}

func TestDuplicateRequestRejected(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "agentA", agentDoc())

	_, err := h.engine.Admit(request("req-1"), 0)
	require.NoError(t, err)

	_, err = h.engine.Admit(request("req-1"), 0)
	assert.Error(t, err)
}

func TestLateBidAfterDeadline(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "agentA", agentDoc())

	ch, err := h.engine.Admit(request("req-1"), 50*time.Millisecond)
	require.NoError(t, err)

	h.clock.Advance(50 * time.Millisecond)
	h.engine.Tick(h.clock.Now())

	result := awaitResult(t, ch)
	assert.True(t, result.NoBid, "auction resolves no-bid at the deadline")

	h.clock.Advance(30 * time.Millisecond)
	err = h.engine.ReceiveBid("req-1", "agentA", []Bid{bid("agentA", 0, 1, currency.USD(2))})
	assert.Error(t, err)

	lateMeter := h.me.AgentMetrics("agentA").LateBidMeter
	assert.Equal(t, int64(1), lateMeter.Count())

	status := h.bank.Status()
	require.Len(t, status, 1)
	assert.True(t, status[0].Held.IsZero(), "no budget motion for a late bid")
}

func TestBelowFloorBidLoses(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "agentA", agentDoc())

	ch, err := h.engine.Admit(request("req-1"), 0)
	require.NoError(t, err)
	require.NoError(t, h.engine.ReceiveBid("req-1", "agentA", []Bid{bid("agentA", 0, 1, currency.MicroUSD(500000))}))

	result := awaitResult(t, ch)
	assert.True(t, result.NoBid, "a bid below the floor cannot win")
}

func TestInvalidBids(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "agentA", agentDoc())

	testCases := []struct {
		description string
		bid         Bid
	}{
		{description: "non-biddable pair", bid: bid("agentA", 0, 99, currency.USD(2))},
		{description: "non-positive price", bid: bid("agentA", 0, 1, currency.Amount{})},
		{description: "above max bid price", bid: bid("agentA", 0, 1, currency.USD(50))},
	}
	for _, tc := range testCases {
		req := request("req-" + tc.description)
		ch, err := h.engine.Admit(req, 0)
		require.NoError(t, err)
		err = h.engine.ReceiveBid(req.ID, "agentA", []Bid{tc.bid})
		assert.Error(t, err, tc.description)
		result := awaitResult(t, ch)
		assert.True(t, result.NoBid, tc.description)
	}
}

func TestMaxInFlightEnforced(t *testing.T) {
	h := newHarness(t)
	doc := agentDoc()
	doc["maxInFlight"] = 1
	h.publish(t, "agentA", doc)

	_, err := h.engine.Admit(request("req-1"), 0)
	require.NoError(t, err)
	require.Len(t, h.bidder.calls, 1)
	assert.Equal(t, 1, h.engine.InFlight("agentA"))

	ch2, err := h.engine.Admit(request("req-2"), 0)
	require.NoError(t, err)
	assert.Len(t, h.bidder.calls, 1, "second solicitation must be suppressed locally")

	result := awaitResult(t, ch2)
	assert.True(t, result.NoBid)
}

func TestFixedBidControl(t *testing.T) {
	h := newHarness(t)
	doc := agentDoc()
	doc["bidControl"] = map[string]interface{}{"type": "fixed", "fixedBidCpmInMicros": 2500000}
	h.publish(t, "agentA", doc)

	ch, err := h.engine.Admit(request("req-1"), 0)
	require.NoError(t, err)
	assert.Empty(t, h.bidder.calls, "fixed control must not relay")

	result := awaitResult(t, ch)
	require.Len(t, result.Winners, 1)
	assert.Equal(t, currency.MicroUSD(2500000), result.Winners[0].Price)
}

func TestRelayFixedOverridesPrice(t *testing.T) {
	h := newHarness(t)
	doc := agentDoc()
	doc["bidControl"] = map[string]interface{}{"type": "relayFixed", "fixedBidCpmInMicros": 3000000}
	h.publish(t, "agentA", doc)

	ch, err := h.engine.Admit(request("req-1"), 0)
	require.NoError(t, err)
	require.Len(t, h.bidder.calls, 1, "relayFixed still relays")

	require.NoError(t, h.engine.ReceiveBid("req-1", "agentA", []Bid{bid("agentA", 0, 1, currency.USD(9))}))
	result := awaitResult(t, ch)
	require.Len(t, result.Winners, 1)
	assert.Equal(t, currency.MicroUSD(3000000), result.Winners[0].Price, "router substitutes the fixed price")
}

func TestTieBreakByRoundRobinWeight(t *testing.T) {
	h := newHarness(t)

	light := agentDoc()
	light["roundRobin"] = map[string]interface{}{"group": "g", "weight": 1}
	h.publish(t, "agentLight", light)

	heavy := agentDoc()
	heavy["roundRobin"] = map[string]interface{}{"group": "g", "weight": 5}
	h.publish(t, "agentHeavy", heavy)

	ch, err := h.engine.Admit(request("req-1"), 0)
	require.NoError(t, err)
	require.Len(t, h.bidder.calls, 2)

	price := currency.USD(2)
	require.NoError(t, h.engine.ReceiveBid("req-1", "agentLight", []Bid{bid("agentLight", 0, 1, price)}))
	require.NoError(t, h.engine.ReceiveBid("req-1", "agentHeavy", []Bid{bid("agentHeavy", 0, 1, price)}))

	result := awaitResult(t, ch)
	require.Len(t, result.Winners, 1)
	assert.Equal(t, "agentHeavy", result.Winners[0].Agent, "equal prices break by round-robin weight")

	require.Len(t, h.submitter.submitted, 1)
	require.Len(t, h.submitter.submitted[0].Losers, 1)
	assert.Equal(t, LossOutbid, h.submitter.submitted[0].Losers[0].Reason)
}

func TestSlowModeDemotesSecondWinner(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "agentA", agentDoc())

	// push the banker into slow mode
	h.master.unreach = true
	h.clock.Advance(10 * time.Second)
	h.bank.SyncAll()
	require.True(t, h.bank.SlowMode())

	req := request("req-1")
	req.Spots[0].Floor = currency.MicroUSD(10000)
	req.Spots = append(req.Spots, bidrequest.AdSpot{
		ID:     "spot-1",
		Format: bidrequest.Format{Width: 300, Height: 250},
		Floor:  currency.MicroUSD(10000),
	})

	ch, err := h.engine.Admit(req, 0)
	require.NoError(t, err)
	require.NoError(t, h.engine.ReceiveBid("req-1", "agentA", []Bid{
		bid("agentA", 0, 1, currency.MicroUSD(60000)),
		bid("agentA", 1, 1, currency.MicroUSD(60000)),
	}))

	result := awaitResult(t, ch)
	require.Len(t, result.Winners, 1, "slow-mode window covers only the first winner")
	assert.Equal(t, 0, result.Winners[0].Spot)

	require.Len(t, h.submitter.submitted, 1)
	losers := h.submitter.submitted[0].Losers
	require.Len(t, losers, 1)
	assert.Equal(t, LossSlowMode, losers[0].Reason)
}

func TestHourOfWeekAllZerosRejectsEverything(t *testing.T) {
	h := newHarness(t)
	doc := agentDoc()
	bits := make([]byte, agents.HourOfWeekBitmapLength)
	for i := range bits {
		bits[i] = '0'
	}
	doc["hourOfWeek"] = string(bits)
	h.publish(t, "agentA", doc)

	ch, err := h.engine.Admit(request("req-1"), 0)
	require.NoError(t, err)
	assert.True(t, awaitResult(t, ch).NoBid)
}

package auction

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang/glog"

	"github.com/sharpyfox/rtbkit/agents"
	"github.com/sharpyfox/rtbkit/bidrequest"
	"github.com/sharpyfox/rtbkit/banker"
	"github.com/sharpyfox/rtbkit/currency"
	"github.com/sharpyfox/rtbkit/errortypes"
	"github.com/sharpyfox/rtbkit/filters"
	"github.com/sharpyfox/rtbkit/metrics"
	"github.com/sharpyfox/rtbkit/postauction"
	"github.com/sharpyfox/rtbkit/util/timeutil"
)

// Bidder solicits bids from one agent. Implementations deliver exactly once,
// from their own goroutine; delivering after the deadline is fine, the engine
// counts it as a late bid.
type Bidder interface {
	RequestBids(auctionID string, req *bidrequest.BidRequest, entry *agents.Entry, spots filters.BiddableSpots, deadline time.Time, deliver func(bids []Bid, err error))
}

// Config carries the engine tunables, already parsed.
type Config struct {
	Timeout     time.Duration
	Shards      int
	MaxBidPrice currency.Amount
	WinTimeout  time.Duration
	// Grace is how long resolved auction ids are remembered so late bids can
	// be told apart from unknown ones.
	Grace time.Duration
}

// shard owns a slice of the in-flight auctions by hash of request id. All
// auction state transitions happen under the shard lock, so an Auction never
// needs its own.
type shard struct {
	lock     sync.Mutex
	auctions map[string]*Auction
	// emitted maps recently finished request ids to their expiry, to
	// classify stragglers as late bids.
	emitted map[string]time.Time
}

// Engine drives bid requests from admission to emission.
type Engine struct {
	cfg       Config
	registry  *agents.Registry
	pipeline  *filters.Pipeline
	blacklist *filters.Blacklist
	bank      banker.Banker
	bidder    Bidder
	submitter postauction.Submitter
	me        metrics.Engine
	clock     timeutil.Time

	shards []*shard

	inFlightLock sync.Mutex
	inFlight     map[string]int
}

// NewEngine wires the engine. The blacklist may be nil.
func NewEngine(cfg Config, registry *agents.Registry, pipeline *filters.Pipeline, blacklist *filters.Blacklist, bank banker.Banker, bidder Bidder, submitter postauction.Submitter, me metrics.Engine, clock timeutil.Time) *Engine {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Second
	}
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{
			auctions: make(map[string]*Auction),
			emitted:  make(map[string]time.Time),
		}
	}
	return &Engine{
		cfg:       cfg,
		registry:  registry,
		pipeline:  pipeline,
		blacklist: blacklist,
		bank:      bank,
		bidder:    bidder,
		submitter: submitter,
		me:        me,
		clock:     clock,
		shards:    shards,
		inFlight:  make(map[string]int),
	}
}

func (e *Engine) shardFor(requestID string) *shard {
	return e.shards[agents.HashString(requestID)%uint64(len(e.shards))]
}

// Admit validates and opens an auction for the request. The returned channel
// delivers exactly one Result, at resolution. A timeout of zero falls back to
// the configured auction timeout.
func (e *Engine) Admit(req *bidrequest.BidRequest, timeout time.Duration) (<-chan Result, error) {
	if timeout <= 0 || timeout > e.cfg.Timeout {
		timeout = e.cfg.Timeout
	}
	now := e.clock.Now()
	e.me.RecordRequest(req.Exchange)

	s := e.shardFor(req.ID)
	s.lock.Lock()

	if _, ok := s.auctions[req.ID]; ok {
		s.lock.Unlock()
		e.me.RecordError(errortypes.DuplicateRequestErrorCode)
		return nil, &errortypes.DuplicateRequest{Message: fmt.Sprintf("request %s already in flight", req.ID)}
	}

	auctionID := newAuctionID()
	a := &Auction{
		id:        auctionID,
		request:   req,
		state:     StateOpen,
		openedAt:  now,
		deadline:  now.Add(timeout),
		solicited: make(map[string]*solicitation),
		bids:      make([][]Bid, len(req.Spots)),
		result:    make(chan Result, 1),
	}

	matched, _ := e.pipeline.Run(req, e.registry.Snapshot())
	if len(matched) == 0 {
		a.state = StateEmitted
		s.lock.Unlock()
		e.me.RecordNoBid(req.Exchange)
		a.result <- Result{AuctionID: auctionID, NoBid: true}
		return a.result, nil
	}

	s.auctions[req.ID] = a
	a.state = StateSolicited
	e.solicitLocked(s, a, matched, now)

	if a.pending == 0 {
		// every eligible agent was either fixed-priced or skipped
		e.finishResolve(s, a, e.resolveLocked(a, now))
		return a.result, nil
	}
	s.lock.Unlock()

	time.AfterFunc(a.deadline.Sub(now), func() { e.expire(req.ID) })
	return a.result, nil
}

// solicitLocked fans the request out to the matched agents. Caller holds the
// shard lock.
func (e *Engine) solicitLocked(s *shard, a *Auction, matched []filters.Match, now time.Time) {
	for _, m := range matched {
		cfg := m.Agent.Config
		am := e.me.AgentMetrics(m.Agent.Name)

		if cfg.BidControl.Type == agents.BidControlFixed {
			// priced by the router, nothing to relay
			e.appendFixedBids(a, m, now)
			continue
		}

		if !e.acquireInFlight(m.Agent.Name, cfg.MaxInFlight) {
			e.me.RecordError(errortypes.MaxInFlightExceededErrorCode)
			am.ErrorMeter.Mark(1)
			continue
		}

		deadline := a.deadline
		if min := cfg.MinTimeAvailable(); min > 0 {
			if perAgent := now.Add(min); perAgent.Before(deadline) {
				deadline = perAgent
			}
		}

		sol := &solicitation{entry: m.Agent, spots: m.Spots, sentAt: now, deadline: deadline}
		a.solicited[m.Agent.Name] = sol
		a.pending++
		am.RequestMeter.Mark(1)
		am.InFlightGauge.Update(int64(e.inFlightCount(m.Agent.Name)))

		agentName := m.Agent.Name
		requestID := a.request.ID
		e.bidder.RequestBids(a.id, a.request, m.Agent, m.Spots, deadline, func(bids []Bid, err error) {
			e.deliver(requestID, agentName, bids, err)
		})
	}
}

// appendFixedBids synthesizes bids for a fixed-control agent: its first
// matching creative per biddable spot at the configured CPM.
func (e *Engine) appendFixedBids(a *Auction, m filters.Match, now time.Time) {
	cfg := m.Agent.Config
	a.solicited[m.Agent.Name] = &solicitation{entry: m.Agent, spots: m.Spots, sentAt: now, deadline: a.deadline, responded: true}
	for _, sc := range m.Spots {
		a.bids[sc.Spot] = append(a.bids[sc.Spot], Bid{
			Agent:      m.Agent.Name,
			Account:    cfg.Account,
			Spot:       sc.Spot,
			CreativeID: sc.Creatives[0],
			Price:      cfg.FixedBid(),
			ReceivedAt: now,
		})
	}
}

// deliver is the bidder callback entry point.
func (e *Engine) deliver(requestID, agentName string, bids []Bid, err error) {
	if err != nil {
		e.me.RecordError(errortypes.AgentUnreachableErrorCode)
		e.me.AgentMetrics(agentName).ErrorMeter.Mark(1)
		glog.V(1).Infof("agent %s unreachable for request %s: %v", agentName, requestID, err)
	}
	e.ReceiveBid(requestID, agentName, bids)
}

// ReceiveBid validates and records an agent's response. Bids for auctions
// that already resolved are counted late and discarded.
func (e *Engine) ReceiveBid(requestID, agentName string, bids []Bid) error {
	now := e.clock.Now()
	s := e.shardFor(requestID)
	s.lock.Lock()

	a, ok := s.auctions[requestID]
	if !ok || a.state == StateResolved || a.state == StateEmitted {
		// the in-flight slot was already released when the auction resolved
		_, wasEmitted := s.emitted[requestID]
		s.lock.Unlock()
		if wasEmitted || ok {
			e.me.RecordError(errortypes.LateBidErrorCode)
			e.me.AgentMetrics(agentName).LateBidMeter.Mark(1)
			return &errortypes.LateBid{Message: fmt.Sprintf("bid from %s after auction for %s resolved", agentName, requestID)}
		}
		return &errortypes.InvalidBid{Message: fmt.Sprintf("no auction in flight for request %s", requestID)}
	}

	sol, ok := a.solicited[agentName]
	if !ok || sol.responded {
		s.lock.Unlock()
		return &errortypes.InvalidBid{Message: fmt.Sprintf("agent %s was not solicited for request %s", agentName, requestID)}
	}
	sol.responded = true
	a.pending--
	e.releaseInFlightLocked(agentName)

	am := e.me.AgentMetrics(agentName)
	am.BidTimer.UpdateSince(sol.sentAt)

	var firstErr error
	for _, bid := range bids {
		if err := e.validateBid(a, sol, &bid); err != nil {
			e.me.RecordError(errortypes.InvalidBidErrorCode)
			am.ErrorMeter.Mark(1)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		bid.ReceivedAt = now
		a.bids[bid.Spot] = append(a.bids[bid.Spot], bid)
		am.BidsReceivedMeter.Mark(1)
		am.PriceHistogram.Update(bid.Price.Micros)
	}
	if a.state == StateSolicited {
		a.state = StateCollecting
	}

	if a.pending == 0 {
		e.finishResolve(s, a, e.resolveLocked(a, now))
		return firstErr
	}
	s.lock.Unlock()
	return firstErr
}

// validateBid enforces the bid schema against the agent's biddable spots and
// the router's price ceiling, and applies bid control.
func (e *Engine) validateBid(a *Auction, sol *solicitation, bid *Bid) error {
	cfg := sol.entry.Config
	if !sol.spots.CanBid(bid.Spot, bid.CreativeID) {
		return &errortypes.InvalidBid{Message: fmt.Sprintf("agent %s bid on non-biddable pair spot=%d creative=%d", sol.entry.Name, bid.Spot, bid.CreativeID)}
	}
	switch cfg.BidControl.Type {
	case agents.BidControlFixed:
		return &errortypes.InvalidBid{Message: fmt.Sprintf("agent %s is under fixed bid control and must not price bids", sol.entry.Name)}
	case agents.BidControlRelayFixed:
		bid.Price = cfg.FixedBid()
	}
	if bid.Price.IsZero() || bid.Price.IsNegative() {
		return &errortypes.InvalidBid{Message: fmt.Sprintf("agent %s bid a non-positive price", sol.entry.Name)}
	}
	if !e.cfg.MaxBidPrice.IsZero() && bid.Price.Compatible(e.cfg.MaxBidPrice) && bid.Price.Cmp(e.cfg.MaxBidPrice) > 0 {
		return &errortypes.InvalidBid{Message: fmt.Sprintf("agent %s bid %s above max bid price %s", sol.entry.Name, bid.Price, e.cfg.MaxBidPrice)}
	}
	if len(bid.Account) == 0 {
		bid.Account = cfg.Account
	}
	return nil
}

// expire forcibly resolves an auction at its deadline.
func (e *Engine) expire(requestID string) {
	s := e.shardFor(requestID)
	s.lock.Lock()
	a, ok := s.auctions[requestID]
	if !ok || a.state == StateResolved || a.state == StateEmitted {
		s.lock.Unlock()
		return
	}
	e.finishResolve(s, a, e.resolveLocked(a, e.clock.Now()))
}

// Tick resolves every auction whose deadline has passed and ages out emitted
// tombstones. Production uses per-auction timers; Tick exists for harnesses
// driving a mock clock and as a safety sweep.
func (e *Engine) Tick(now time.Time) {
	for _, s := range e.shards {
		for {
			s.lock.Lock()
			var expired *Auction
			for _, a := range s.auctions {
				if !a.deadline.After(now) && a.state != StateResolved && a.state != StateEmitted {
					expired = a
					break
				}
			}
			if expired == nil {
				for id, expiry := range s.emitted {
					if !expiry.After(now) {
						delete(s.emitted, id)
					}
				}
				s.lock.Unlock()
				break
			}
			e.finishResolve(s, expired, e.resolveLocked(expired, now))
		}
	}
}

// emission bundles everything resolveLocked decides, applied after the shard
// lock is released.
type emission struct {
	result    Result
	submitted *postauction.SubmittedAuction
	winners   []filters.Match
}

// resolveLocked selects winners and commits budget. Caller holds the shard
// lock; the lock is NOT released here.
func (e *Engine) resolveLocked(a *Auction, now time.Time) emission {
	a.state = StateResolved

	// abandon outstanding solicitations
	for name, sol := range a.solicited {
		if !sol.responded {
			sol.responded = true
			a.pending--
			e.releaseInFlightLocked(name)
		}
	}

	var winners []Winner
	var winnerMatches []filters.Match
	var losers []postauction.BidOutcome

	for spot := range a.bids {
		candidates := e.rankCandidates(a, spot)
		if len(candidates) == 0 {
			continue
		}
		winner := candidates[0]
		sol := a.solicited[winner.Agent]

		if !e.bank.Authorize(winner.Account, winner.Price) {
			reason := LossInsufficientBudget
			code := errortypes.InsufficientBudgetErrorCode
			if e.bank.SlowMode() {
				reason = LossSlowMode
				code = errortypes.SlowModeErrorCode
			}
			e.me.RecordError(code)
			losers = append(losers, e.outcome(winner, now, reason))
			candidates = candidates[1:]
			for _, c := range candidates {
				losers = append(losers, e.outcome(c, now, LossOutbid))
			}
			continue
		}

		winners = append(winners, Winner{
			Spot:       spot,
			Agent:      winner.Agent,
			Account:    winner.Account,
			CreativeID: winner.CreativeID,
			Price:      winner.Price,
		})
		winnerMatches = append(winnerMatches, filters.Match{Agent: sol.entry})
		e.me.AgentMetrics(winner.Agent).WinsMeter.Mark(1)
		for _, c := range candidates[1:] {
			losers = append(losers, e.outcome(c, now, LossOutbid))
		}
	}

	a.state = StateEmitted
	result := Result{AuctionID: a.id, NoBid: len(winners) == 0, Winners: winners}

	var submitted *postauction.SubmittedAuction
	if len(winners) > 0 {
		outcomes := make([]postauction.BidOutcome, 0, len(winners))
		for _, w := range winners {
			outcomes = append(outcomes, postauction.BidOutcome{
				Agent:      w.Agent,
				Account:    w.Account,
				Spot:       w.Spot,
				CreativeID: w.CreativeID,
				Price:      w.Price,
				Timestamp:  now,
			})
		}
		submitted = &postauction.SubmittedAuction{
			AuctionID:          a.id,
			RequestFingerprint: a.request.Exchange + "/" + a.request.ID,
			Winners:            outcomes,
			Losers:             losers,
			SubmittedAt:        now,
			WinDeadline:        now.Add(e.cfg.WinTimeout),
		}
	} else {
		e.me.RecordNoBid(a.request.Exchange)
	}

	return emission{result: result, submitted: submitted, winners: winnerMatches}
}

// finishResolve removes the auction from the shard, releases the lock and
// performs the side effects that must not run under it.
func (e *Engine) finishResolve(s *shard, a *Auction, em emission) {
	delete(s.auctions, a.request.ID)
	s.emitted[a.request.ID] = a.deadline.Add(e.cfg.Grace)
	s.lock.Unlock()

	if em.submitted != nil && e.submitter != nil {
		e.submitter.Submit(em.submitted)
	}
	for _, m := range em.winners {
		e.blacklist.Add(m.Agent.Name, m.Agent.Config, a.request)
	}
	e.notifyAgents(a, em.result)
	e.me.RecordResponse(a.request.Exchange, e.clock.Now().Sub(a.openedAt))
	a.result <- em.result
}

// notifyAgents pushes WIN/LOSS messages to the solicited agents, honoring
// each agent's configured verbosity.
func (e *Engine) notifyAgents(a *Auction, result Result) {
	notifier, ok := e.bidder.(ResultNotifier)
	if !ok {
		return
	}
	wonSpots := make(map[string][]Winner)
	for _, w := range result.Winners {
		wonSpots[w.Agent] = append(wonSpots[w.Agent], w)
	}
	for name, sol := range a.solicited {
		cfg := sol.entry.Config
		if wins, ok := wonSpots[name]; ok {
			if cfg.WinFormat == agents.BidResultNone {
				continue
			}
			for _, w := range wins {
				payload := ResultPayload{Spot: w.Spot, PriceMicros: w.Price.Micros}
				if cfg.WinFormat == agents.BidResultFull {
					payload.Request = a.request.Exchange + "/" + a.request.ID
				}
				notifier.NotifyResult(name, MessageWin, a.id, payload)
			}
			continue
		}
		if cfg.LossFormat == agents.BidResultNone {
			continue
		}
		payload := ResultPayload{Reason: LossOutbid}
		if cfg.LossFormat == agents.BidResultFull {
			payload.Request = a.request.Exchange + "/" + a.request.ID
		}
		notifier.NotifyResult(name, MessageLoss, a.id, payload)
	}
}

// rankCandidates orders a spot's valid bids: price above floor, then the
// fixed tie-break of round-robin weight, solicitation send time and the
// stable agent hash.
func (e *Engine) rankCandidates(a *Auction, spot int) []Bid {
	floor := a.request.Spots[spot].Floor
	var candidates []Bid
	for _, bid := range a.bids[spot] {
		if !floor.IsZero() && bid.Price.Compatible(floor) && bid.Price.Cmp(floor) < 0 {
			continue
		}
		candidates = append(candidates, bid)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		bi, bj := candidates[i], candidates[j]
		if c := bi.Price.Cmp(bj.Price); c != 0 {
			return c > 0
		}
		wi, wj := e.weightOf(a, bi.Agent), e.weightOf(a, bj.Agent)
		if wi != wj {
			return wi > wj
		}
		si, sj := a.solicited[bi.Agent].sentAt, a.solicited[bj.Agent].sentAt
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		return agents.HashString(bi.Agent) < agents.HashString(bj.Agent)
	})
	return candidates
}

func (e *Engine) weightOf(a *Auction, agent string) int {
	if sol, ok := a.solicited[agent]; ok {
		return sol.entry.Config.RoundRobin.Weight
	}
	return 0
}

func (e *Engine) outcome(bid Bid, now time.Time, reason string) postauction.BidOutcome {
	return postauction.BidOutcome{
		Agent:      bid.Agent,
		Account:    bid.Account,
		Spot:       bid.Spot,
		CreativeID: bid.CreativeID,
		Price:      bid.Price,
		Timestamp:  now,
		Reason:     reason,
	}
}

// InFlight reports the current solicitation count for an agent.
func (e *Engine) InFlight(agent string) int {
	return e.inFlightCount(agent)
}

func (e *Engine) acquireInFlight(agent string, max int) bool {
	e.inFlightLock.Lock()
	defer e.inFlightLock.Unlock()
	if e.inFlight[agent] >= max {
		return false
	}
	e.inFlight[agent]++
	return true
}

func (e *Engine) releaseInFlight(agent string) {
	e.inFlightLock.Lock()
	if e.inFlight[agent] > 0 {
		e.inFlight[agent]--
	}
	e.inFlightLock.Unlock()
}

// releaseInFlightLocked is safe to call under a shard lock; the in-flight
// lock nests strictly inside shard locks.
func (e *Engine) releaseInFlightLocked(agent string) {
	e.releaseInFlight(agent)
}

func (e *Engine) inFlightCount(agent string) int {
	e.inFlightLock.Lock()
	defer e.inFlightLock.Unlock()
	return e.inFlight[agent]
}

func newAuctionID() string {
	id, err := uuid.NewV4()
	if err != nil {
		// the rand source never fails in practice
		return fmt.Sprintf("auction-%d", time.Now().UnixNano())
	}
	return id.String()
}

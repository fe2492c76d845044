package postauction

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	gocache "github.com/patrickmn/go-cache"

	"github.com/sharpyfox/rtbkit/agents"
	"github.com/sharpyfox/rtbkit/banker"
	"github.com/sharpyfox/rtbkit/currency"
	"github.com/sharpyfox/rtbkit/errortypes"
	"github.com/sharpyfox/rtbkit/metrics"
	"github.com/sharpyfox/rtbkit/util/timeutil"
)

// SpotState is the lifecycle position of one (auction, spot).
type SpotState int

const (
	SpotPendingWin SpotState = iota
	SpotWon
	SpotLossAssumed
	SpotLost
	SpotSettled
)

func (s SpotState) String() string {
	switch s {
	case SpotPendingWin:
		return "pendingWin"
	case SpotWon:
		return "won"
	case SpotLossAssumed:
		return "lossAssumed"
	case SpotLost:
		return "lost"
	case SpotSettled:
		return "settled"
	}
	return "unknown"
}

// spotRecord drives one winner spot through its lifecycle.
type spotRecord struct {
	outcome BidOutcome
	state   SpotState

	// seen dedupes notifications by kind
	seen map[EventKind]bool

	// buffered holds impressions and clicks that arrived before their turn
	buffered []Event

	gotImpression bool

	// eventDeadline bounds the impression/click window after Won
	eventDeadline time.Time
}

// trackedAuction is one SubmittedAuction under reconciliation.
type trackedAuction struct {
	sub   *SubmittedAuction
	spots map[int]*spotRecord
}

func (ta *trackedAuction) settled() bool {
	for _, spot := range ta.spots {
		if spot.state != SpotSettled {
			return false
		}
	}
	return true
}

type paShard struct {
	lock     sync.Mutex
	auctions map[string]*trackedAuction
}

// Config carries the loop tunables, already parsed.
type Config struct {
	Shards int
	// EventWindow bounds how long after Won impressions and clicks are
	// awaited before the auction settles.
	EventWindow time.Duration
	// OrphanWindow bounds how long unmatched notifications are retained for
	// late matching.
	OrphanWindow time.Duration
}

// Loop owns every SubmittedAuction from hand-off to its terminal event. The
// table is sharded by auction id; each shard serializes its auctions so
// per-auction ordering needs no further locking.
type Loop struct {
	cfg    Config
	bank   banker.Banker
	sink   Sink
	me     metrics.Engine
	clock  timeutil.Time
	shards []*paShard

	// orphans retains unmatched notifications for a bounded late-match
	// window, keyed by auction id.
	orphans *gocache.Cache

	done chan struct{}
	once sync.Once
}

// NewLoop wires the post-auction loop. Call Start to run the timeout sweep.
func NewLoop(cfg Config, bank banker.Banker, sink Sink, me metrics.Engine, clock timeutil.Time) *Loop {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	shards := make([]*paShard, cfg.Shards)
	for i := range shards {
		shards[i] = &paShard{auctions: make(map[string]*trackedAuction)}
	}
	l := &Loop{
		cfg:     cfg,
		bank:    bank,
		sink:    sink,
		me:      me,
		clock:   clock,
		shards:  shards,
		orphans: gocache.New(cfg.OrphanWindow, cfg.OrphanWindow),
		done:    make(chan struct{}),
	}
	l.orphans.OnEvicted(func(auctionID string, value interface{}) {
		events, ok := value.([]Event)
		if !ok {
			return
		}
		for _, ev := range events {
			l.me.RecordOrphanEvent(string(ev.Kind))
			l.writeRecord(SettlementRecord{
				Timestamp: ev.Timestamp,
				AuctionID: auctionID,
				Kind:      "ORPHAN_" + string(ev.Kind),
				Spot:      ev.Spot,
				Price:     ev.Price,
			})
		}
	})
	return l
}

// Start runs the periodic timeout sweep until Shutdown.
func (l *Loop) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Tick(l.clock.Now())
			case <-l.done:
				return
			}
		}
	}()
}

// Shutdown stops the sweep and closes the sink.
func (l *Loop) Shutdown() {
	l.once.Do(func() { close(l.done) })
	if err := l.sink.Close(); err != nil {
		glog.Warningf("post-auction sink close: %v", err)
	}
}

func (l *Loop) shardFor(auctionID string) *paShard {
	return l.shards[agents.HashString(auctionID)%uint64(len(l.shards))]
}

// Submit installs a finished auction for reconciliation and emits the
// Submitted record. Notifications that raced ahead of the hand-off are
// replayed from the orphan buffer.
func (l *Loop) Submit(sub *SubmittedAuction) {
	s := l.shardFor(sub.AuctionID)
	s.lock.Lock()

	if _, ok := s.auctions[sub.AuctionID]; ok {
		s.lock.Unlock()
		glog.Errorf("post-auction: auction %s submitted twice", sub.AuctionID)
		return
	}

	ta := &trackedAuction{sub: sub, spots: make(map[int]*spotRecord, len(sub.Winners))}
	for _, w := range sub.Winners {
		ta.spots[w.Spot] = &spotRecord{
			outcome: w,
			state:   SpotPendingWin,
			seen:    make(map[EventKind]bool),
		}
	}
	s.auctions[sub.AuctionID] = ta
	l.writeRecord(SettlementRecord{
		Timestamp: sub.SubmittedAt,
		AuctionID: sub.AuctionID,
		Kind:      "SUBMITTED",
	})
	l.me.RecordPostAuctionEvent("submitted")
	s.lock.Unlock()

	if early, ok := l.orphans.Get(sub.AuctionID); ok {
		// Delete runs the eviction callback; blank the entry first so the
		// replayed events are not also logged as orphans.
		l.orphans.Set(sub.AuctionID, nil, gocache.DefaultExpiration)
		l.orphans.Delete(sub.AuctionID)
		for _, ev := range early.([]Event) {
			l.HandleEvent(ev)
		}
	}
}

// HandleEvent processes one normalized notification. Unmatched events are
// retained for the late-match window; duplicates are dropped idempotently.
func (l *Loop) HandleEvent(ev Event) error {
	s := l.shardFor(ev.AuctionID)
	s.lock.Lock()

	ta, ok := s.auctions[ev.AuctionID]
	if !ok {
		s.lock.Unlock()
		l.retainOrphan(ev)
		return nil
	}

	spot, ok := ta.spots[ev.Spot]
	if !ok {
		s.lock.Unlock()
		l.me.RecordError(errortypes.InvalidEventErrorCode)
		return &errortypes.InvalidEvent{Message: fmt.Sprintf("auction %s has no winner on spot %d", ev.AuctionID, ev.Spot)}
	}

	if spot.seen[ev.Kind] {
		s.lock.Unlock()
		l.me.RecordDuplicateEvent(string(ev.Kind))
		return nil
	}
	spot.seen[ev.Kind] = true

	switch ev.Kind {
	case EventWin:
		l.handleWin(ta, spot, ev)
	case EventLoss:
		l.handleLoss(ta, spot, ev)
	case EventImpression, EventClick:
		l.handleEngagement(ta, spot, ev)
	}

	if ta.settled() {
		delete(s.auctions, ev.AuctionID)
	}
	s.lock.Unlock()
	return nil
}

// handleWin commits the spend and drains whatever engagement events arrived
// early. A win price below the held amount settles low; the difference goes
// back to the pool.
func (l *Loop) handleWin(ta *trackedAuction, spot *spotRecord, ev Event) {
	if spot.state != SpotPendingWin {
		l.me.RecordDuplicateEvent(string(EventWin))
		return
	}
	spot.state = SpotWon
	spot.eventDeadline = ev.Timestamp.Add(l.cfg.EventWindow)

	price := spot.outcome.Price
	if !ev.Price.IsZero() && ev.Price.Compatible(price) && ev.Price.Cmp(price) < 0 {
		l.bank.Release(spot.outcome.Account, price.Sub(ev.Price))
		price = ev.Price
	}
	l.bank.CommitSpend(spot.outcome.Account, price)

	l.emit(ta, spot, string(EventWin), ev.Timestamp, price)
	l.drainBuffered(ta, spot)
}

func (l *Loop) handleLoss(ta *trackedAuction, spot *spotRecord, ev Event) {
	if spot.state != SpotPendingWin {
		l.me.RecordDuplicateEvent(string(EventLoss))
		return
	}
	spot.state = SpotLost
	l.bank.Release(spot.outcome.Account, spot.outcome.Price)
	l.emit(ta, spot, string(EventLoss), ev.Timestamp, spot.outcome.Price)
	spot.state = SpotSettled
}

// handleEngagement enforces Won before Impression before Click, buffering
// out-of-order arrivals until their turn.
func (l *Loop) handleEngagement(ta *trackedAuction, spot *spotRecord, ev Event) {
	if spot.state != SpotWon {
		spot.buffered = append(spot.buffered, ev)
		return
	}
	if ev.Kind == EventClick && !spot.gotImpression {
		spot.buffered = append(spot.buffered, ev)
		return
	}
	if ev.Kind == EventImpression {
		spot.gotImpression = true
	}
	l.emit(ta, spot, string(ev.Kind), ev.Timestamp, spot.outcome.Price)
	if ev.Kind == EventImpression {
		l.drainBuffered(ta, spot)
	}
	l.maybeSettle(spot)
}

// drainBuffered replays buffered engagement events now that their
// prerequisite has been seen: impressions first, then clicks.
func (l *Loop) drainBuffered(ta *trackedAuction, spot *spotRecord) {
	if spot.state != SpotWon || len(spot.buffered) == 0 {
		return
	}
	buffered := spot.buffered
	spot.buffered = nil
	for _, kind := range []EventKind{EventImpression, EventClick} {
		for _, ev := range buffered {
			if ev.Kind != kind {
				continue
			}
			if kind == EventClick && !spot.gotImpression {
				spot.buffered = append(spot.buffered, ev)
				continue
			}
			if kind == EventImpression {
				spot.gotImpression = true
			}
			l.emit(ta, spot, string(kind), ev.Timestamp, spot.outcome.Price)
		}
	}
	l.maybeSettle(spot)
}

// maybeSettle moves a won spot to Settled once the expected engagement events
// have all arrived.
func (l *Loop) maybeSettle(spot *spotRecord) {
	if spot.state == SpotWon && spot.seen[EventImpression] && spot.seen[EventClick] && len(spot.buffered) == 0 {
		spot.state = SpotSettled
	}
}

// Tick trips win timeouts and event windows. PendingWin past the deadline is
// an assumed loss; Won past the event window settles with whatever arrived.
func (l *Loop) Tick(now time.Time) {
	for _, s := range l.shards {
		s.lock.Lock()
		for auctionID, ta := range s.auctions {
			for _, spot := range ta.spots {
				switch spot.state {
				case SpotPendingWin:
					if !ta.sub.WinDeadline.After(now) {
						spot.state = SpotLossAssumed
						l.bank.Release(spot.outcome.Account, spot.outcome.Price)
						l.emit(ta, spot, "LOSS_ASSUMED", now, spot.outcome.Price)
						spot.state = SpotSettled
					}
				case SpotWon:
					if !spot.eventDeadline.After(now) {
						spot.state = SpotSettled
					}
				}
			}
			if ta.settled() {
				delete(s.auctions, auctionID)
			}
		}
		s.lock.Unlock()
	}
	l.orphans.DeleteExpired()
}

// Pending reports the number of auctions still under reconciliation.
func (l *Loop) Pending() int {
	total := 0
	for _, s := range l.shards {
		s.lock.Lock()
		total += len(s.auctions)
		s.lock.Unlock()
	}
	return total
}

func (l *Loop) retainOrphan(ev Event) {
	var events []Event
	if existing, ok := l.orphans.Get(ev.AuctionID); ok {
		events = existing.([]Event)
	}
	l.orphans.Set(ev.AuctionID, append(events, ev), gocache.DefaultExpiration)
}

// emit writes one settlement record and counts it. Kind is an EventKind or a
// synthetic kind such as LOSS_ASSUMED.
func (l *Loop) emit(ta *trackedAuction, spot *spotRecord, kind string, ts time.Time, price currency.Amount) {
	l.me.RecordPostAuctionEvent(kind)
	l.writeRecord(SettlementRecord{
		Timestamp: ts,
		AuctionID: ta.sub.AuctionID,
		Kind:      kind,
		Agent:     spot.outcome.Agent,
		Account:   spot.outcome.Account,
		Spot:      spot.outcome.Spot,
		Price:     price,
	})
}

func (l *Loop) writeRecord(record SettlementRecord) {
	if err := l.sink.Write(record); err != nil {
		glog.Warningf("post-auction sink write failed for %s/%s: %v", record.AuctionID, record.Kind, err)
	}
}

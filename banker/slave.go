package banker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"golang.org/x/time/rate"

	"github.com/sharpyfox/rtbkit/agents"
	"github.com/sharpyfox/rtbkit/currency"
	"github.com/sharpyfox/rtbkit/metrics"
	"github.com/sharpyfox/rtbkit/util/timeutil"
)

// MasterClient is the wire to the master banker. Reauthorize reports the
// account's spend since the last sync and asks the pool to be topped back up
// to the float target; it returns the new authorized amount.
type MasterClient interface {
	Reauthorize(account string, spent, wanted currency.Amount) (currency.Amount, error)
}

// Config carries the slave banker tunables, already parsed.
type Config struct {
	// Float is the per-account pool target requested from the master.
	Float currency.Amount
	// ReauthorizePeriod is the cadence of the background sync loop.
	ReauthorizePeriod time.Duration
	// SlowModeTimeout is how long the master may be unreachable before
	// grants degrade.
	SlowModeTimeout time.Duration
	// SlowModeTolerance is how long the master must stay reachable before
	// slow mode exits.
	SlowModeTolerance time.Duration
	// SlowModeMicrosPerSecond caps grants while degraded.
	SlowModeMicrosPerSecond int64
}

// SlaveBanker keeps shadow accounts against a remote master and serves
// synchronous authorization decisions from them. When the master is
// unreachable for longer than the slow-mode timeout it degrades rather than
// refusing everything: grants are rate-capped until the master is stable
// again.
type SlaveBanker struct {
	cfg      Config
	accounts *shadowAccounts
	master   MasterClient
	me       metrics.Engine
	clock    timeutil.Time

	slowMode    int32 // atomic; 1 while degraded
	slowLimiter *rate.Limiter

	stateLock    sync.Mutex
	lastSuccess  time.Time
	firstSuccess time.Time // first success since the master came back

	done chan struct{}
	once sync.Once
}

// New builds a slave banker. Call Start to run the reconciliation loop.
func New(cfg Config, master MasterClient, me metrics.Engine, clock timeutil.Time) *SlaveBanker {
	limit := rate.Limit(cfg.SlowModeMicrosPerSecond)
	burst := int(cfg.SlowModeMicrosPerSecond)
	if burst < 1 {
		burst = 1
	}
	now := clock.Now()
	return &SlaveBanker{
		cfg:         cfg,
		accounts:    newShadowAccounts(),
		master:      master,
		me:          me,
		clock:       clock,
		slowLimiter: rate.NewLimiter(limit, burst),
		lastSuccess: now,
		done:        make(chan struct{}),
	}
}

// Start runs the background reconciliation loop until Shutdown.
func (b *SlaveBanker) Start() {
	go func() {
		ticker := time.NewTicker(b.cfg.ReauthorizePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.SyncAll()
			case <-b.done:
				return
			}
		}
	}()
}

// Shutdown stops the reconciliation loop.
func (b *SlaveBanker) Shutdown() {
	b.once.Do(func() { close(b.done) })
}

// AddAccount makes the account known ahead of traffic so the first sync can
// fund it before bids need authorization.
func (b *SlaveBanker) AddAccount(account agents.AccountKey) {
	b.accounts.lock.Lock()
	b.accounts.get(account)
	b.accounts.lock.Unlock()
}

func (b *SlaveBanker) Authorize(account agents.AccountKey, amount currency.Amount) bool {
	if b.SlowMode() {
		if !b.slowLimiter.AllowN(b.clock.Now(), int(amount.Micros)) {
			b.me.RecordGrantDenied()
			return false
		}
	}
	if !b.accounts.authorize(account, amount) {
		b.me.RecordGrantDenied()
		return false
	}
	b.me.RecordGrant(amount.Micros)
	return true
}

func (b *SlaveBanker) Release(account agents.AccountKey, amount currency.Amount) {
	b.accounts.release(account, amount)
}

func (b *SlaveBanker) CommitSpend(account agents.AccountKey, amount currency.Amount) {
	b.accounts.commit(account, amount)
}

func (b *SlaveBanker) SlowMode() bool {
	return atomic.LoadInt32(&b.slowMode) == 1
}

// Status reports the shadow accounts for the admin surface.
func (b *SlaveBanker) Status() []AccountStatus {
	return b.accounts.snapshot()
}

// SyncAll reconciles every known account with the master once. Exported so
// tests and the admin surface can drive it without the ticker.
func (b *SlaveBanker) SyncAll() {
	failed := false
	for _, status := range b.accounts.snapshot() {
		account, err := agents.ParseAccountKey(status.Account)
		if err != nil {
			continue
		}
		authorized, err := b.master.Reauthorize(status.Account, status.Unreported, b.cfg.Float)
		if err != nil {
			glog.Warningf("banker: master unreachable for %s: %v", status.Account, err)
			failed = true
			continue
		}
		b.accounts.setAuthorized(account, authorized, status.Unreported)
	}
	b.observeSync(!failed)
}

// observeSync updates the slow-mode state machine after a sync round.
func (b *SlaveBanker) observeSync(success bool) {
	now := b.clock.Now()
	b.stateLock.Lock()
	defer b.stateLock.Unlock()

	if success {
		if b.firstSuccess.IsZero() {
			b.firstSuccess = now
		}
		b.lastSuccess = now
		if b.SlowMode() && now.Sub(b.firstSuccess) >= b.cfg.SlowModeTolerance {
			atomic.StoreInt32(&b.slowMode, 0)
			b.me.SetSlowMode(false)
			glog.Warning("banker: leaving slow mode, master stable again")
		}
		return
	}

	b.firstSuccess = time.Time{}
	if !b.SlowMode() && now.Sub(b.lastSuccess) >= b.cfg.SlowModeTimeout {
		atomic.StoreInt32(&b.slowMode, 1)
		b.me.SetSlowMode(true)
		glog.Warningf("banker: entering slow mode, master unreachable for %s", now.Sub(b.lastSuccess))
	}
}

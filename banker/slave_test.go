package banker

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharpyfox/rtbkit/agents"
	"github.com/sharpyfox/rtbkit/currency"
	"github.com/sharpyfox/rtbkit/metrics"
	"github.com/sharpyfox/rtbkit/util/timeutil"
)

type fakeMaster struct {
	authorized currency.Amount
	unreach    bool
	reported   []currency.Amount
}

func (m *fakeMaster) Reauthorize(account string, spent, wanted currency.Amount) (currency.Amount, error) {
	if m.unreach {
		return currency.Amount{}, errors.New("connection refused")
	}
	m.reported = append(m.reported, spent)
	return m.authorized, nil
}

func testConfig() Config {
	return Config{
		Float:                   currency.USD(10),
		ReauthorizePeriod:       time.Second,
		SlowModeTimeout:         5 * time.Second,
		SlowModeTolerance:       15 * time.Second,
		SlowModeMicrosPerSecond: 100000,
	}
}

func newTestBanker(master MasterClient) (*SlaveBanker, *timeutil.MockClock) {
	clock := timeutil.NewMockClockAt(time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC))
	me := metrics.NewMetrics(gometrics.NewRegistry())
	return New(testConfig(), master, me, clock), clock
}

func account(t *testing.T) agents.AccountKey {
	key, err := agents.ParseAccountKey("campaign:strategy")
	require.NoError(t, err)
	return key
}

func TestAuthorizeHoldReleaseCommit(t *testing.T) {
	master := &fakeMaster{authorized: currency.USD(10)}
	b, _ := newTestBanker(master)
	acct := account(t)

	b.AddAccount(acct)
	b.SyncAll()

	assert.True(t, b.Authorize(acct, currency.USD(2)))
	assert.True(t, b.Authorize(acct, currency.USD(8)))
	assert.False(t, b.Authorize(acct, currency.USD(1)), "pool exhausted")

	b.Release(acct, currency.USD(8))
	assert.True(t, b.Authorize(acct, currency.USD(5)))

	b.CommitSpend(acct, currency.USD(2))

	status := b.Status()
	require.Len(t, status, 1)
	assert.Equal(t, currency.USD(10), status[0].Authorized)
	assert.Equal(t, currency.USD(5), status[0].Held)
	assert.Equal(t, currency.USD(2), status[0].Spent)
}

func TestInvariantCommittedPlusHeldNeverExceedsAuthorized(t *testing.T) {
	master := &fakeMaster{authorized: currency.USD(10)}
	b, _ := newTestBanker(master)
	acct := account(t)
	b.AddAccount(acct)
	b.SyncAll()

	granted := 0
	for i := 0; i < 20; i++ {
		if b.Authorize(acct, currency.USD(1)) {
			granted++
			if granted%2 == 0 {
				b.CommitSpend(acct, currency.USD(1))
			}
		}
	}
	assert.Equal(t, 10, granted)

	status := b.Status()[0]
	total := status.Held.Add(status.Spent)
	assert.True(t, total.Cmp(status.Authorized) <= 0, "held+spent must never exceed authorized")
}

func TestSpendReportedOnSync(t *testing.T) {
	master := &fakeMaster{authorized: currency.USD(10)}
	b, _ := newTestBanker(master)
	acct := account(t)
	b.AddAccount(acct)
	b.SyncAll()

	require.True(t, b.Authorize(acct, currency.USD(3)))
	b.CommitSpend(acct, currency.USD(3))
	b.SyncAll()

	require.Len(t, master.reported, 2)
	assert.Equal(t, currency.USD(3), master.reported[1])

	// spend was acknowledged, so the full float is available again
	assert.True(t, b.Authorize(acct, currency.USD(10)))
}

func TestSlowModeEntryAndExit(t *testing.T) {
	master := &fakeMaster{authorized: currency.USD(100)}
	b, clock := newTestBanker(master)
	acct := account(t)
	b.AddAccount(acct)
	b.SyncAll()
	assert.False(t, b.SlowMode())

	master.unreach = true
	clock.Advance(2 * time.Second)
	b.SyncAll()
	assert.False(t, b.SlowMode(), "below the timeout, still normal")

	clock.Advance(4 * time.Second)
	b.SyncAll()
	assert.True(t, b.SlowMode(), "unreachable past the timeout")

	master.unreach = false
	b.SyncAll()
	assert.True(t, b.SlowMode(), "one success is not yet stable")

	clock.Advance(16 * time.Second)
	b.SyncAll()
	assert.False(t, b.SlowMode(), "stable past the tolerance")
}

func TestSlowModeCapsGrants(t *testing.T) {
	master := &fakeMaster{authorized: currency.USD(100)}
	b, clock := newTestBanker(master)
	acct := account(t)
	b.AddAccount(acct)
	b.SyncAll()

	master.unreach = true
	clock.Advance(10 * time.Second)
	b.SyncAll()
	require.True(t, b.SlowMode())

	// The limiter allows 100000 micros per second; the first 60000 grant
	// fits the window, the second does not.
	assert.True(t, b.Authorize(acct, currency.MicroUSD(60000)))
	assert.False(t, b.Authorize(acct, currency.MicroUSD(60000)), "second grant exceeds the slow-mode window")
}

func TestHTTPMasterClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/campaign:strategy/reauthorize", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"authorized": "10000000USD"}`))
	}))
	defer server.Close()

	client := NewHTTPMasterClient(server.URL)
	authorized, err := client.Reauthorize("campaign:strategy", currency.Amount{}, currency.USD(10))
	require.NoError(t, err)
	assert.Equal(t, currency.USD(10), authorized)
}

func TestHTTPMasterClientUnreachable(t *testing.T) {
	client := NewHTTPMasterClient("http://127.0.0.1:1")
	_, err := client.Reauthorize("a:b", currency.Amount{}, currency.USD(10))
	assert.Error(t, err)
}

package banker

import (
	"fmt"
	"sync"

	"github.com/sharpyfox/rtbkit/agents"
	"github.com/sharpyfox/rtbkit/currency"
)

// Banker answers the engine's synchronous budget questions. Authorize and
// Release sit on the auction hot path and must stay local in-memory calls.
type Banker interface {
	// Authorize holds amount for the account. Returns false when the local
	// pool cannot cover it.
	Authorize(account agents.AccountKey, amount currency.Amount) bool
	// Release returns a previously authorized hold to the pool.
	Release(account agents.AccountKey, amount currency.Amount)
	// CommitSpend converts a hold into spend, reported to the master on the
	// next reconciliation push.
	CommitSpend(account agents.AccountKey, amount currency.Amount)
	// SlowMode reports whether grants are currently running degraded.
	SlowMode() bool
}

// shadowAccount tracks the local view of one master account. The invariant
// held+spent <= authorized holds under the account lock at all times.
type shadowAccount struct {
	authorized currency.Amount
	held       currency.Amount
	spent      currency.Amount

	// spend not yet reported to the master
	unreported currency.Amount
}

func (a *shadowAccount) available() currency.Amount {
	return a.authorized.Sub(a.held).Sub(a.spent)
}

// shadowAccounts is the account table shared by the hot path and the
// reconciliation loop.
type shadowAccounts struct {
	lock     sync.Mutex
	accounts map[string]*shadowAccount
}

func newShadowAccounts() *shadowAccounts {
	return &shadowAccounts{accounts: make(map[string]*shadowAccount)}
}

func (s *shadowAccounts) get(account agents.AccountKey) *shadowAccount {
	key := account.String()
	a, ok := s.accounts[key]
	if !ok {
		a = &shadowAccount{}
		s.accounts[key] = a
	}
	return a
}

func (s *shadowAccounts) authorize(account agents.AccountKey, amount currency.Amount) bool {
	if amount.IsNegative() || amount.IsZero() {
		return !amount.IsNegative()
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	a := s.get(account)
	if !amount.Compatible(a.authorized) {
		return false
	}
	if a.available().Cmp(amount) < 0 {
		return false
	}
	a.held = a.held.Add(amount)
	return true
}

func (s *shadowAccounts) release(account agents.AccountKey, amount currency.Amount) {
	if amount.IsZero() {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	a := s.get(account)
	a.held = a.held.Sub(amount)
	if a.held.IsNegative() {
		panic(fmt.Sprintf("banker: released more than held on %s", account))
	}
}

func (s *shadowAccounts) commit(account agents.AccountKey, amount currency.Amount) {
	if amount.IsZero() {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	a := s.get(account)
	a.held = a.held.Sub(amount)
	if a.held.IsNegative() {
		panic(fmt.Sprintf("banker: committed more than held on %s", account))
	}
	a.spent = a.spent.Add(amount)
	a.unreported = a.unreported.Add(amount)
}

// setAuthorized installs the master's answer for one account and clears the
// spend the master has now seen.
func (s *shadowAccounts) setAuthorized(account agents.AccountKey, authorized, reportedSpend currency.Amount) {
	s.lock.Lock()
	defer s.lock.Unlock()
	a := s.get(account)
	a.authorized = authorized
	a.spent = a.spent.Sub(reportedSpend)
	a.unreported = a.unreported.Sub(reportedSpend)
}

// AccountStatus is one shadow account's view, taken under a single lock
// acquisition for reconciliation and the admin surface.
type AccountStatus struct {
	Account    string
	Authorized currency.Amount
	Held       currency.Amount
	Spent      currency.Amount
	Unreported currency.Amount
}

func (s *shadowAccounts) snapshot() []AccountStatus {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]AccountStatus, 0, len(s.accounts))
	for key, a := range s.accounts {
		out = append(out, AccountStatus{
			Account:    key,
			Authorized: a.authorized,
			Held:       a.held,
			Spent:      a.spent,
			Unreported: a.unreported,
		})
	}
	return out
}

package errortypes

// InvalidConfig should be used when an agent configuration fails to parse
// against the schema. The publish is rejected; the previously installed
// configuration, if any, remains live.
type InvalidConfig struct {
	Message string
}

func (err *InvalidConfig) Error() string {
	return err.Message
}

func (err *InvalidConfig) Code() int {
	return InvalidConfigErrorCode
}

func (err *InvalidConfig) Severity() Severity {
	return SeverityFatal
}

// InvalidBid should be used when an agent's bid response references a
// non-biddable spot-creative pair, carries a non-positive price, or exceeds
// the router's configured max bid price. The bid is dropped; the auction
// continues with the remaining bids.
type InvalidBid struct {
	Message string
}

func (err *InvalidBid) Error() string {
	return err.Message
}

func (err *InvalidBid) Code() int {
	return InvalidBidErrorCode
}

func (err *InvalidBid) Severity() Severity {
	return SeverityWarning
}

// InvalidEvent should be used when an adserver notification cannot be
// normalized into a known event kind.
type InvalidEvent struct {
	Message string
}

func (err *InvalidEvent) Error() string {
	return err.Message
}

func (err *InvalidEvent) Code() int {
	return InvalidEventErrorCode
}

func (err *InvalidEvent) Severity() Severity {
	return SeverityWarning
}

// DuplicateRequest is returned when a bid request arrives whose id is already
// in the engine's in-flight set.
type DuplicateRequest struct {
	Message string
}

func (err *DuplicateRequest) Error() string {
	return err.Message
}

func (err *DuplicateRequest) Code() int {
	return DuplicateRequestErrorCode
}

func (err *DuplicateRequest) Severity() Severity {
	return SeverityFatal
}

// LateBid flags a bid that arrived after its auction resolved. Late bids are
// recorded for diagnostics but never paid.
type LateBid struct {
	Message string
}

func (err *LateBid) Error() string {
	return err.Message
}

func (err *LateBid) Code() int {
	return LateBidErrorCode
}

func (err *LateBid) Severity() Severity {
	return SeverityWarning
}

// MaxInFlightExceeded is raised locally when soliciting an agent would push it
// past its configured in-flight ceiling. The agent is skipped for the request.
type MaxInFlightExceeded struct {
	Message string
}

func (err *MaxInFlightExceeded) Error() string {
	return err.Message
}

func (err *MaxInFlightExceeded) Code() int {
	return MaxInFlightExceededErrorCode
}

func (err *MaxInFlightExceeded) Severity() Severity {
	return SeverityWarning
}

// InsufficientBudget demotes a winning bid to a loss when the banker declines
// the authorization during commit.
type InsufficientBudget struct {
	Message string
}

func (err *InsufficientBudget) Error() string {
	return err.Message
}

func (err *InsufficientBudget) Code() int {
	return InsufficientBudgetErrorCode
}

func (err *InsufficientBudget) Severity() Severity {
	return SeverityWarning
}

// SlowMode demotes a winning bid to a loss when the banker's degraded
// per-second spending window is exhausted.
type SlowMode struct {
	Message string
}

func (err *SlowMode) Error() string {
	return err.Message
}

func (err *SlowMode) Code() int {
	return SlowModeErrorCode
}

func (err *SlowMode) Severity() Severity {
	return SeverityWarning
}

// BudgetMasterUnreachable flags a failed reauthorization pull from the master
// banker. Never fatal; repeated failures drive the banker into slow mode.
type BudgetMasterUnreachable struct {
	Message string
}

func (err *BudgetMasterUnreachable) Error() string {
	return err.Message
}

func (err *BudgetMasterUnreachable) Code() int {
	return BudgetMasterUnreachableErrorCode
}

func (err *BudgetMasterUnreachable) Severity() Severity {
	return SeverityWarning
}

// AgentUnreachable flags a failed bid solicitation. The agent is skipped for
// the request; repeated failures trip the per-agent circuit breaker.
type AgentUnreachable struct {
	Message string
}

func (err *AgentUnreachable) Error() string {
	return err.Message
}

func (err *AgentUnreachable) Code() int {
	return AgentUnreachableErrorCode
}

func (err *AgentUnreachable) Severity() Severity {
	return SeverityWarning
}

// Timeout should be used to flag that an auction deadline expired before a
// result was received.
type Timeout struct {
	Message string
}

func (err *Timeout) Error() string {
	return err.Message
}

func (err *Timeout) Code() int {
	return TimeoutErrorCode
}

func (err *Timeout) Severity() Severity {
	return SeverityFatal
}

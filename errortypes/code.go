package errortypes

// Defines numeric codes for well-known errors.
const (
	UnknownErrorCode = 999
	InvalidConfigErrorCode = iota
	InvalidBidErrorCode
	InvalidEventErrorCode
	DuplicateRequestErrorCode
	LateBidErrorCode
	MaxInFlightExceededErrorCode
	InsufficientBudgetErrorCode
	SlowModeErrorCode
	BudgetMasterUnreachableErrorCode
	AgentUnreachableErrorCode
	TimeoutErrorCode
)

// Coder provides an error code with severity.
type Coder interface {
	Code() int
	Severity() Severity
}

// ReadCode returns the error code, or UnknownErrorCode if unavailable.
func ReadCode(err error) int {
	if e, ok := err.(Coder); ok {
		return e.Code()
	}
	return UnknownErrorCode
}

// Package coreerr implements the error taxonomy of the design's §7: a fixed
// set of sentinel errors, each mapped to a stable machine-readable code at
// the MCP boundary (internal/mcp). Components wrap a sentinel with
// fmt.Errorf("...: %w", ErrX) the way the teacher repo wraps driver errors,
// so callers can test with errors.Is while humans still get a readable
// message.
package coreerr

import "errors"

// Input errors.
var (
	ErrInvalidQuery      = errors.New("invalid query")
	ErrInvalidDelegation = errors.New("invalid delegation")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrPathOutsideWorkspace = errors.New("path outside workspace")
	ErrUnknownCapability = errors.New("unknown capability")
)

// Concurrency errors.
var (
	ErrVersionConflict = errors.New("version conflict")
	ErrMergeConflict   = errors.New("merge conflict")
	ErrDeadlockDetected = errors.New("deadlock detected")
	ErrCancelled       = errors.New("cancelled")
	ErrTimeout         = errors.New("timeout")
	ErrQueryTimeout    = errors.New("query timeout")
	ErrWriteSkew       = errors.New("write skew")
)

// Resource errors.
var (
	ErrRateLimited       = errors.New("rate limited")
	ErrBudgetExceeded    = errors.New("budget exceeded")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrNoProvider        = errors.New("no provider available")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrWorkerLost        = errors.New("worker lost")
	ErrNoCapableWorker   = errors.New("no capable worker")
)

// Protocol errors.
var (
	ErrMessageExpired     = errors.New("message expired")
	ErrCorrelationMismatch = errors.New("correlation mismatch")
	ErrUnsubscribed       = errors.New("unsubscribed")
)

// Data errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrIntegrityViolation = errors.New("integrity violation")
)

// Code is the stable machine-readable identifier surfaced at the MCP
// boundary, following the monitor's MCPError.Code convention of small
// negative integers in the JSON-RPC reserved range.
type Code int

// Boundary codes. Grouped by taxonomy category, mirroring §7.
const (
	CodeInvalidQuery Code = -32000 - iota
	CodeInvalidDelegation
	CodeDimensionMismatch
	CodePathOutsideWorkspace
	CodeUnknownCapability
	CodeVersionConflict
	CodeMergeConflict
	CodeDeadlockDetected
	CodeCancelled
	CodeTimeout
	CodeQueryTimeout
	CodeWriteSkew
	CodeRateLimited
	CodeBudgetExceeded
	CodeCircuitOpen
	CodeNoProvider
	CodeStorageUnavailable
	CodeWorkerLost
	CodeNoCapableWorker
	CodeMessageExpired
	CodeCorrelationMismatch
	CodeUnsubscribed
	CodeNotFound
	CodeAlreadyExists
	CodeIntegrityViolation
	CodeUnknown
)

var codeByErr = map[error]Code{
	ErrInvalidQuery:         CodeInvalidQuery,
	ErrInvalidDelegation:    CodeInvalidDelegation,
	ErrDimensionMismatch:    CodeDimensionMismatch,
	ErrPathOutsideWorkspace: CodePathOutsideWorkspace,
	ErrUnknownCapability:    CodeUnknownCapability,
	ErrVersionConflict:      CodeVersionConflict,
	ErrMergeConflict:        CodeMergeConflict,
	ErrDeadlockDetected:     CodeDeadlockDetected,
	ErrCancelled:            CodeCancelled,
	ErrTimeout:              CodeTimeout,
	ErrQueryTimeout:         CodeQueryTimeout,
	ErrWriteSkew:            CodeWriteSkew,
	ErrRateLimited:          CodeRateLimited,
	ErrBudgetExceeded:       CodeBudgetExceeded,
	ErrCircuitOpen:          CodeCircuitOpen,
	ErrNoProvider:           CodeNoProvider,
	ErrStorageUnavailable:   CodeStorageUnavailable,
	ErrWorkerLost:           CodeWorkerLost,
	ErrNoCapableWorker:      CodeNoCapableWorker,
	ErrMessageExpired:       CodeMessageExpired,
	ErrCorrelationMismatch:  CodeCorrelationMismatch,
	ErrUnsubscribed:         CodeUnsubscribed,
	ErrNotFound:             CodeNotFound,
	ErrAlreadyExists:        CodeAlreadyExists,
	ErrIntegrityViolation:   CodeIntegrityViolation,
}

// CodeFor resolves the boundary code for an error, walking the wrap chain
// with errors.Is against every known sentinel. Unrecognized errors map to
// CodeUnknown rather than panicking — unrecoverable conditions return to the
// caller with full context, they never crash the boundary.
func CodeFor(err error) Code {
	if err == nil {
		return 0
	}
	for sentinel, code := range codeByErr {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Recoverable reports whether the propagation policy (§7) allows a local
// bounded retry instead of surfacing the error immediately.
func Recoverable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrStorageUnavailable)
}

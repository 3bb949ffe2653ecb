// Package cleoerr defines the typed error surface of the coordination
// core: stable string codes, numeric exit codes, and remediation hints
// an agent can act on without human interpretation.
package cleoerr

import (
	"errors"
	"fmt"
)

// Exit codes, grouped by category. 100-102 are success outcomes that
// callers must not treat as failures.
const (
	ExitOK           = 0
	ExitInvalidInput = 2
	ExitNotFound     = 4
	ExitValidation   = 6
	ExitLockTimeout  = 7

	ExitDepthExceeded      = 10
	ExitSiblingLimit       = 11
	ExitActiveSiblingLimit = 12
	ExitParentNotFound     = 13
	ExitCircularReference  = 14
	ExitHierarchyInvalid   = 15

	ExitFingerprintMismatch    = 20
	ExitConcurrentModification = 21
	ExitIDCollision            = 22

	ExitScopeConflict       = 30
	ExitScopeInvalid        = 31
	ExitTaskNotInScope      = 32
	ExitTaskClaimed         = 33
	ExitSessionCloseBlocked = 34
	ExitSessionInvalidState = 35

	ExitProtocolValidation = 60
	ExitProtocolReturn     = 61

	ExitLifecycleGateFailed = 75

	ExitNoData        = 100
	ExitAlreadyExists = 101
	ExitNoChange      = 102
)

// Stable error codes.
const (
	CodeInvalidInput = "E_INVALID_INPUT"
	CodeNotFound     = "E_NOT_FOUND"
	CodeValidation   = "E_VALIDATION"
	CodeLockTimeout  = "E_LOCK_TIMEOUT"

	CodeDepthExceeded      = "E_DEPTH_EXCEEDED"
	CodeSiblingLimit       = "E_SIBLING_LIMIT"
	CodeActiveSiblingLimit = "E_ACTIVE_SIBLING_LIMIT"
	CodeParentNotFound     = "E_PARENT_NOT_FOUND"
	CodeCircularReference  = "E_CIRCULAR_REFERENCE"
	CodeOrphanedDependency = "E_ORPHANED_DEPENDENCY"

	CodeFingerprintMismatch    = "E_FINGERPRINT_MISMATCH"
	CodeConcurrentModification = "E_CONCURRENT_MODIFICATION"
	CodeIDCollision            = "E_ID_COLLISION"

	CodeScopeConflict       = "E_SCOPE_CONFLICT"
	CodeScopeInvalid        = "E_SCOPE_INVALID"
	CodeTaskNotInScope      = "E_TASK_NOT_IN_SCOPE"
	CodeTaskClaimed         = "E_TASK_CLAIMED"
	CodeSessionCloseBlocked = "E_SESSION_CLOSE_BLOCKED"
	CodeSessionInvalidState = "E_SESSION_INVALID_STATE"

	CodeProtocolValidation = "E_PROTOCOL_VALIDATION"
	CodeProtocolReturn     = "E_PROTOCOL_RETURN_MESSAGE"

	CodeLifecycleGateFailed = "E_LIFECYCLE_GATE_FAILED"
)

// Fix is one concrete way out of a blocking error, with ready-to-use
// parameters for the retried or corrective call.
type Fix struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Error carries everything the envelope needs. Details holds
// machine-readable context (e.g. the missing-stage list).
type Error struct {
	Code         string         `json:"code"`
	Exit         int            `json:"exit_code"`
	Message      string         `json:"message"`
	Remediation  string         `json:"remediation,omitempty"`
	Alternatives []Fix          `json:"alternatives,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error with the exit code derived from the code string.
func New(code, message string) *Error {
	return &Error{Code: code, Exit: exitFor(code), Message: message}
}

func Newf(code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithRemediation sets the primary fix action text.
func (e *Error) WithRemediation(r string) *Error {
	e.Remediation = r
	return e
}

// WithDetail attaches one machine-readable detail field.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// WithAlternative appends a ranked alternative fix.
func (e *Error) WithAlternative(action string, params map[string]any) *Error {
	e.Alternatives = append(e.Alternatives, Fix{Action: action, Params: params})
	return e
}

func exitFor(code string) int {
	switch code {
	case CodeInvalidInput:
		return ExitInvalidInput
	case CodeNotFound:
		return ExitNotFound
	case CodeValidation, CodeOrphanedDependency:
		return ExitValidation
	case CodeLockTimeout:
		return ExitLockTimeout
	case CodeDepthExceeded:
		return ExitDepthExceeded
	case CodeSiblingLimit:
		return ExitSiblingLimit
	case CodeActiveSiblingLimit:
		return ExitActiveSiblingLimit
	case CodeParentNotFound:
		return ExitParentNotFound
	case CodeCircularReference:
		return ExitCircularReference
	case CodeFingerprintMismatch:
		return ExitFingerprintMismatch
	case CodeConcurrentModification:
		return ExitConcurrentModification
	case CodeIDCollision:
		return ExitIDCollision
	case CodeScopeConflict:
		return ExitScopeConflict
	case CodeScopeInvalid:
		return ExitScopeInvalid
	case CodeTaskNotInScope:
		return ExitTaskNotInScope
	case CodeTaskClaimed:
		return ExitTaskClaimed
	case CodeSessionCloseBlocked:
		return ExitSessionCloseBlocked
	case CodeSessionInvalidState:
		return ExitSessionInvalidState
	case CodeProtocolValidation:
		return ExitProtocolValidation
	case CodeProtocolReturn:
		return ExitProtocolReturn
	case CodeLifecycleGateFailed:
		return ExitLifecycleGateFailed
	default:
		return 1
	}
}

// Retryable reports whether the error kind may succeed unchanged once
// contention clears. Structural and procedural errors are not retryable.
func Retryable(code string) bool {
	switch code {
	case CodeLockTimeout, CodeFingerprintMismatch, CodeConcurrentModification, CodeIDCollision:
		return true
	}
	return false
}

// CodeOf extracts the stable code from any error, or "" when err is not
// a cleoerr.Error.
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Outcome is a success result for idempotent repeat operations: the
// request changed nothing and the caller must treat it as success.
type Outcome struct {
	Code   string `json:"code" enum:"NO_DATA,ALREADY_EXISTS,NO_CHANGE"`
	Exit   int    `json:"exit_code"`
	Reason string `json:"reason"`
}

// NoChange builds the dedicated no-op outcome with a machine-readable
// reason.
func NoChange(reason string) *Outcome {
	return &Outcome{Code: "NO_CHANGE", Exit: ExitNoChange, Reason: reason}
}

func NoData(reason string) *Outcome {
	return &Outcome{Code: "NO_DATA", Exit: ExitNoData, Reason: reason}
}

func AlreadyExists(reason string) *Outcome {
	return &Outcome{Code: "ALREADY_EXISTS", Exit: ExitAlreadyExists, Reason: reason}
}

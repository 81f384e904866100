package domain

import (
	"errors"
	"fmt"
)

// Routing and invocation sentinels. Every turn failure wraps exactly one of
// these so callers can branch with errors.Is.
var (
	ErrDuplicateAgentID      = fmt.Errorf("duplicate agent id")
	ErrAgentNotFound         = fmt.Errorf("agent not found")
	ErrNoSuitableAgent       = fmt.Errorf("no suitable agent")
	ErrTemplateRender        = fmt.Errorf("template render failed")
	ErrBackendInvocation     = fmt.Errorf("backend invocation failed")
	ErrGuardrailViolation    = fmt.Errorf("guardrail violation")
	ErrToolInvocationTimeout = fmt.Errorf("tool invocation timed out")
	ErrRetrievalFailure      = fmt.Errorf("retrieval failed")
)

// Supporting sentinels.
var (
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrTimeout         = fmt.Errorf("operation timed out")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrSessionClosed   = fmt.Errorf("session closed")
	ErrTurnCancelled   = fmt.Errorf("turn cancelled")
	ErrStreamClosed    = fmt.Errorf("stream closed")
	ErrToolNotFound    = fmt.Errorf("tool not found")
	ErrToolFailure     = fmt.Errorf("tool execution failed")
	ErrBackendNotFound = fmt.Errorf("backend not found")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
	ErrStore           = fmt.Errorf("conversation store failed")

	// Gateway / RPC errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Register")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient backend error that may
// succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category recorded on error turns
// and returned to gateway clients.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeAgentDuplicate       ErrorCode = "AGENT_DUPLICATE"
	CodeAgentNotFound        ErrorCode = "AGENT_NOT_FOUND"
	CodeNoSuitableAgent      ErrorCode = "NO_SUITABLE_AGENT"
	CodeTemplateRender       ErrorCode = "TEMPLATE_RENDER"
	CodeBackendInvocation    ErrorCode = "BACKEND_INVOCATION"
	CodeGuardrailViolation   ErrorCode = "GUARDRAIL_VIOLATION"
	CodeToolInvocationTimout ErrorCode = "TOOL_INVOCATION_TIMEOUT"
	CodeRetrievalFailure     ErrorCode = "RETRIEVAL_FAILURE"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid          ErrorCode = "AUTH_INVALID"
	CodeContextOverflow      ErrorCode = "CONTEXT_OVERFLOW"
	CodeSessionClosed        ErrorCode = "SESSION_CLOSED"
	CodeTurnCancelled        ErrorCode = "TURN_CANCELLED"
	CodeStreamClosed         ErrorCode = "STREAM_CLOSED"
	CodeToolNotFound         ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure          ErrorCode = "TOOL_FAILURE"
	CodeBackendNotFound      ErrorCode = "BACKEND_NOT_FOUND"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeStore                ErrorCode = "STORE"
	CodeGatewayAuth          ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound    ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload    ErrorCode = "RPC_INVALID_PAYLOAD"
)

type codeEntry struct {
	err  error
	code ErrorCode
}

// errorCodes is ordered by specificity: a backend error that wraps a rate
// limit reports the taxonomy code, not the cause.
var errorCodes = []codeEntry{
	{ErrDuplicateAgentID, CodeAgentDuplicate},
	{ErrAgentNotFound, CodeAgentNotFound},
	{ErrNoSuitableAgent, CodeNoSuitableAgent},
	{ErrTemplateRender, CodeTemplateRender},
	{ErrGuardrailViolation, CodeGuardrailViolation},
	{ErrToolInvocationTimeout, CodeToolInvocationTimout},
	{ErrBackendInvocation, CodeBackendInvocation},
	{ErrRetrievalFailure, CodeRetrievalFailure},
	{ErrGatewayAuthFailed, CodeGatewayAuth},
	{ErrRPCMethodNotFound, CodeRPCMethodNotFound},
	{ErrRPCInvalidPayload, CodeRPCInvalidPayload},
	{ErrSessionClosed, CodeSessionClosed},
	{ErrTurnCancelled, CodeTurnCancelled},
	{ErrStreamClosed, CodeStreamClosed},
	{ErrToolNotFound, CodeToolNotFound},
	{ErrToolFailure, CodeToolFailure},
	{ErrBackendNotFound, CodeBackendNotFound},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrStore, CodeStore},
	{ErrContextOverflow, CodeContextOverflow},
	{ErrRateLimit, CodeRateLimit},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrTimeout, CodeTimeout},
	{ErrInvalidInput, CodeInvalidInput},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found in the chain.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}

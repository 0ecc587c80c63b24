package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the relay core.
var (
	// Validation errors. Reported before any outbound call is made.
	ErrMessageRequired = fmt.Errorf("message required")
	ErrInvalidRole     = fmt.Errorf("invalid turn role")

	// Configuration errors. Never retried.
	ErrProviderNotFound     = fmt.Errorf("provider not supported")
	ErrAPIKeyRequired       = fmt.Errorf("API key required")
	ErrAssistantUnsupported = fmt.Errorf("provider does not support assistant mode")
	ErrAssistantRefRequired = fmt.Errorf("assistant reference required")
	ErrConfigLoad           = fmt.Errorf("failed to load configuration")
	ErrDecryption           = fmt.Errorf("decryption failed")
	ErrEncryption           = fmt.Errorf("encryption operation failed")

	// Transport and provider errors.
	ErrTransport   = fmt.Errorf("API request failed")
	ErrRateLimit   = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid = fmt.Errorf("authentication failed")
	ErrCircuitOpen = fmt.Errorf("circuit open")

	// Assistant-run errors.
	ErrThreadCreate = fmt.Errorf("thread creation failed")
	ErrMessageAdd   = fmt.Errorf("failed to add message")
	ErrRunStart     = fmt.Errorf("failed to start run")
	ErrRunFailed    = fmt.Errorf("run failed")
	ErrPollTimeout  = fmt.Errorf("timeout")
	ErrResultFetch  = fmt.Errorf("failed to fetch result")

	// History errors.
	ErrHistoryStore = fmt.Errorf("history store failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Resolve")
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

// ProviderError is a non-2xx answer from an upstream provider.
// StatusCode is always preserved so callers can report it.
type ProviderError struct {
	StatusCode int
	Body       string
	Err        error // ErrRateLimit, ErrAuthInvalid or ErrProviderError
}

func (e *ProviderError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("API returned error: %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("API returned error: %d", e.StatusCode)
}

func (e *ProviderError) Unwrap() error {
	if e.Err == nil {
		return ErrProviderError
	}
	return e.Err
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTransport)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeDuplicate           ErrorCode = "DUPLICATE"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeProviderError       ErrorCode = "PROVIDER_ERROR"
	CodeMessageRequired     ErrorCode = "MESSAGE_REQUIRED"
	CodeInvalidRole         ErrorCode = "INVALID_ROLE"
	CodeProviderNotFound    ErrorCode = "PROVIDER_NOT_FOUND"
	CodeAPIKeyRequired      ErrorCode = "API_KEY_REQUIRED"
	CodeAssistantNotSupport ErrorCode = "ASSISTANT_UNSUPPORTED"
	CodeAssistantRefMissing ErrorCode = "ASSISTANT_REF_REQUIRED"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeDecryption          ErrorCode = "DECRYPTION"
	CodeEncryption          ErrorCode = "ENCRYPTION"
	CodeTransport           ErrorCode = "TRANSPORT"
	CodeRateLimit           ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid         ErrorCode = "AUTH_INVALID"
	CodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	CodeThreadCreate        ErrorCode = "THREAD_CREATE"
	CodeMessageAdd          ErrorCode = "MESSAGE_ADD"
	CodeRunStart            ErrorCode = "RUN_START"
	CodeRunFailed           ErrorCode = "RUN_FAILED"
	CodePollTimeout         ErrorCode = "POLL_TIMEOUT"
	CodeResultFetch         ErrorCode = "RESULT_FETCH"
	CodeHistoryStore        ErrorCode = "HISTORY_STORE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrDuplicate:     CodeDuplicate,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	ErrMessageRequired:      CodeMessageRequired,
	ErrInvalidRole:          CodeInvalidRole,
	ErrProviderNotFound:     CodeProviderNotFound,
	ErrAPIKeyRequired:       CodeAPIKeyRequired,
	ErrAssistantUnsupported: CodeAssistantNotSupport,
	ErrAssistantRefRequired: CodeAssistantRefMissing,
	ErrConfigLoad:           CodeConfigLoad,
	ErrDecryption:           CodeDecryption,
	ErrEncryption:           CodeEncryption,
	ErrTransport:            CodeTransport,
	ErrRateLimit:            CodeRateLimit,
	ErrAuthInvalid:          CodeAuthInvalid,
	ErrCircuitOpen:          CodeCircuitOpen,
	ErrThreadCreate:         CodeThreadCreate,
	ErrMessageAdd:           CodeMessageAdd,
	ErrRunStart:             CodeRunStart,
	ErrRunFailed:            CodeRunFailed,
	ErrPollTimeout:          CodePollTimeout,
	ErrResultFetch:          CodeResultFetch,
	ErrHistoryStore:         CodeHistoryStore,
}

// specificity orders sentinels so that the most specific one wins when an
// error chain matches several (a ProviderError wrapping ErrRateLimit also
// unwraps to nothing else, but a circuit-open transport error matches both).
var specificity = []error{
	ErrCircuitOpen, ErrRateLimit, ErrAuthInvalid,
	ErrMessageRequired, ErrInvalidRole, ErrProviderNotFound, ErrAPIKeyRequired,
	ErrAssistantUnsupported, ErrAssistantRefRequired,
	ErrThreadCreate, ErrMessageAdd, ErrRunStart, ErrRunFailed, ErrPollTimeout, ErrResultFetch,
	ErrConfigLoad, ErrDecryption, ErrEncryption, ErrHistoryStore,
	ErrTransport,
	ErrDuplicate, ErrInvalidInput, ErrProviderError,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for _, sentinel := range specificity {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}

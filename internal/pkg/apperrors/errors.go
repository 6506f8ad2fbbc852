package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

// Authorization and policy outcomes
const (
	ErrUnknownAgent            ErrorType = "UNKNOWN_AGENT"
	ErrNotAgentOwner           ErrorType = "NOT_AGENT_OWNER"
	ErrNotAuthorized           ErrorType = "NOT_AUTHORIZED"
	ErrAlreadyAuthorized       ErrorType = "ALREADY_AUTHORIZED"
	ErrPolicyExpiredOrDisabled ErrorType = "POLICY_EXPIRED_OR_DISABLED"
	ErrActionNotPermitted      ErrorType = "ACTION_NOT_PERMITTED"
	ErrSideNotPermitted        ErrorType = "SIDE_NOT_PERMITTED"
	ErrInstrumentNotPermitted  ErrorType = "INSTRUMENT_NOT_PERMITTED"
	ErrOrderSizeOutOfBounds    ErrorType = "ORDER_SIZE_OUT_OF_BOUNDS"
	ErrCooldownActive          ErrorType = "COOLDOWN_ACTIVE"
	ErrFrequencyExceeded       ErrorType = "FREQUENCY_EXCEEDED"
	ErrOutsideTradingWindow    ErrorType = "OUTSIDE_TRADING_WINDOW"
	ErrLimitExceeded           ErrorType = "LIMIT_EXCEEDED"
	ErrSlippageExceeded        ErrorType = "SLIPPAGE_EXCEEDED"
	ErrHealthFactorTooLow      ErrorType = "HEALTH_FACTOR_TOO_LOW"
	ErrReputationTooLow        ErrorType = "REPUTATION_TOO_LOW"
	ErrCollaboratorFailure     ErrorType = "COLLABORATOR_FAILURE"
)

const (
	ErrAuthFailed     ErrorType = "AUTH_FAILED"
	ErrNonce          ErrorType = "NONCE_ERROR"
	ErrRateLimited    ErrorType = "RATE_LIMITED"
	ErrReadOnly       ErrorType = "READ_ONLY"
	ErrInvalidRequest ErrorType = "INVALID_REQUEST"
	ErrInternal       ErrorType = "INTERNAL_ERROR"
	ErrNotFound       ErrorType = "NOT_FOUND"
	ErrInFlight       ErrorType = "REQUEST_IN_FLIGHT"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType      `json:"code"`
	Message    string         `json:"message"`
	Suggestion string         `json:"suggestion,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	HTTPStatus int            `json:"-"`
	Cause      error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func Newf(errType ErrorType, format string, args ...any) *AppError {
	return New(errType, fmt.Sprintf(format, args...), nil)
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func NewCollaboratorFailure(collaborator string, cause error) *AppError {
	e := New(ErrCollaboratorFailure, collaborator+" call failed", cause)
	e.Details = map[string]any{"collaborator": collaborator}
	return e
}

// WithDetails attaches structured context and returns the same error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// TypeOf returns the error kind, or "" when err is not an AppError.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

func Is(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}

// IsDenial reports whether t is a policy rule outcome rather than an access or system error.
func IsDenial(t ErrorType) bool {
	switch t {
	case ErrPolicyExpiredOrDisabled, ErrActionNotPermitted, ErrSideNotPermitted,
		ErrInstrumentNotPermitted, ErrOrderSizeOutOfBounds, ErrCooldownActive,
		ErrFrequencyExceeded, ErrOutsideTradingWindow, ErrLimitExceeded,
		ErrSlippageExceeded, ErrHealthFactorTooLow, ErrReputationTooLow:
		return true
	default:
		return false
	}
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrNotAgentOwner, ErrNotAuthorized:
		return http.StatusForbidden
	case ErrUnknownAgent, ErrNotFound:
		return http.StatusNotFound
	case ErrAlreadyAuthorized, ErrNonce, ErrInFlight:
		return http.StatusConflict
	case ErrCooldownActive, ErrFrequencyExceeded, ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrReadOnly:
		return http.StatusServiceUnavailable
	case ErrCollaboratorFailure:
		return http.StatusBadGateway
	default:
		if IsDenial(t) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrUnknownAgent:
		return "Register the agent before authorizing it."
	case ErrNotAgentOwner:
		return "Sign the request with the wallet that owns the agent."
	case ErrNotAuthorized:
		return "Ask the principal to authorize this agent."
	case ErrAlreadyAuthorized:
		return "Revoke the existing grant or update its policy instead."
	case ErrPolicyExpiredOrDisabled:
		return "Ask the principal to install a fresh policy."
	case ErrCooldownActive, ErrFrequencyExceeded:
		return "Retry later."
	case ErrOutsideTradingWindow:
		return "Retry inside the policy trading window (UTC)."
	case ErrCollaboratorFailure:
		return "The downstream engine failed; no state was changed. Retry the request."
	case ErrNonce:
		return "Use a nonce greater than the last accepted one."
	case ErrAuthFailed:
		return "Check wallet address, nonce and signature headers."
	case ErrReadOnly:
		return "Wait for maintenance to finish."
	case ErrInFlight:
		return "Wait for the first request to finish, then retry with the same idempotency key."
	default:
		if IsDenial(t) {
			return "Check the action against the installed policy."
		}
		return ""
	}
}

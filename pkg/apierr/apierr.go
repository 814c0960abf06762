// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format, plus the native-route envelope and
// the gateway's error-kind taxonomy.
package apierr

import (
	"encoding/json"
	"strconv"
	"sync/atomic"

	"github.com/valyala/fasthttp"
)

// ErrorType constants (OpenAI-compatible envelope "type" field).
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionErr     = "permission_error"
	TypeNotFoundErr       = "not_found_error"
	TypeServerError       = "server_error"
	TypeTimeoutError      = "timeout_error"
)

// Code constants.
const (
	CodeRateLimitExceeded    = "rate_limit_exceeded"
	CodeQuotaExceeded        = "quota_exceeded"
	CodeInvalidAPIKey        = "invalid_api_key"
	CodeInternalError        = "internal_error"
	CodeProviderError        = "provider_error"
	CodeRequestTimeout       = "request_timeout"
	CodeNotImplemented       = "not_implemented"
	CodeInvalidRequest       = "invalid_request"
	CodeModelNotFound        = "model_not_found"
	CodeCapabilityNotSupport = "capability_not_supported"
	CodeForbiddenModel       = "model_not_allowed"
	CodeGuardrailInput       = "guardrail_input_violation"
	CodeGuardrailOutput      = "guardrail_output_violation"
	CodeProvidersExhausted   = "providers_exhausted"
	CodeFallbackExhausted    = "fallback_chain_exhausted"
	CodeCircularFallback     = "circular_fallback"
	CodeGuardrailProbeError  = "guardrail_probe_error"
)

// Kind is the gateway-internal error taxonomy. Each kind maps to exactly
// one HTTP status and a surface decision.
type Kind string

const (
	KindUnauthenticated       Kind = "unauthenticated"
	KindForbidden             Kind = "forbidden"
	KindGuardrailInput        Kind = "guardrail_input_violation"
	KindNotFound              Kind = "not_found"
	KindInvalidRequest        Kind = "invalid_request"
	KindRateLimited           Kind = "rate_limited"
	KindQuotaExceeded         Kind = "quota_exceeded"
	KindTimeout               Kind = "timeout"
	KindProviderClientError   Kind = "provider_client_error"
	KindProviderServerError   Kind = "provider_server_error"
	KindProvidersExhausted    Kind = "providers_exhausted"
	KindFallbackExhausted     Kind = "fallback_chain_exhausted"
	KindInternal              Kind = "internal"
	KindGuardrailOutputErr    Kind = "guardrail_output_violation"
	KindCircularFallback      Kind = "circular_fallback"
	KindCapabilityNotSupport  Kind = "capability_not_supported"
	KindGuardrailProbeError   Kind = "guardrail_probe_error"
)

// Status returns the HTTP status code this kind maps to.
func (k Kind) Status() int {
	switch k {
	case KindUnauthenticated:
		return fasthttp.StatusUnauthorized
	case KindForbidden, KindGuardrailInput:
		return fasthttp.StatusForbidden
	case KindNotFound:
		return fasthttp.StatusNotFound
	case KindInvalidRequest, KindCapabilityNotSupport, KindCircularFallback:
		return fasthttp.StatusBadRequest
	case KindRateLimited, KindQuotaExceeded:
		return fasthttp.StatusTooManyRequests
	case KindTimeout:
		return fasthttp.StatusRequestTimeout
	case KindProvidersExhausted, KindFallbackExhausted:
		return fasthttp.StatusBadGateway
	case KindProviderServerError:
		return fasthttp.StatusBadGateway
	case KindGuardrailOutputErr:
		return fasthttp.StatusInternalServerError
	case KindProviderClientError:
		return fasthttp.StatusBadGateway
	case KindGuardrailProbeError:
		return fasthttp.StatusServiceUnavailable
	default:
		return fasthttp.StatusInternalServerError
	}
}

// debugMode gates inclusion of raw_request/raw_response in error payloads
// and logs, mirroring original_source/error.rs's DEBUG OnceCell.
var debugMode atomic.Bool

// SetDebug sets process-wide debug mode once at boot.
func SetDebug(v bool) { debugMode.Store(v) }

// Debug reports whether debug mode is enabled.
func Debug() bool { return debugMode.Load() }

// APIError is the structured error returned to clients on OpenAI-compatible routes.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}

	// ProviderErrorDetail is attached to native-route errors so callers can
	// see exactly what the upstream provider returned.
	ProviderErrorDetail struct {
		Provider    string `json:"provider"`
		StatusCode  int    `json:"status_code,omitempty"`
		Message     string `json:"message"`
		RawRequest  string `json:"raw_request,omitempty"`
		RawResponse string `json:"raw_response,omitempty"`
	}

	// nativeEnvelope is the error shape for native (non-OpenAI-compatible)
	// routes: {"error": "...", "provider_error"?: {...}}.
	nativeEnvelope struct {
		Error         string               `json:"error"`
		ProviderError *ProviderErrorDetail `json:"provider_error,omitempty"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteKind writes an OpenAI-compatible error envelope for a taxonomy Kind.
func WriteKind(ctx *fasthttp.RequestCtx, k Kind, message, code string) {
	Write(ctx, k.Status(), message, kindToType(k), code)
}

// WriteNative writes the native-route error envelope.
func WriteNative(ctx *fasthttp.RequestCtx, k Kind, message string, provider *ProviderErrorDetail) {
	if provider != nil && !Debug() {
		provider.RawRequest = ""
		provider.RawResponse = ""
	}
	ctx.SetStatusCode(k.Status())
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(nativeEnvelope{Error: message, ProviderError: provider})
	ctx.SetBody(body)
}

func kindToType(k Kind) string {
	switch k {
	case KindUnauthenticated:
		return TypeAuthenticationErr
	case KindForbidden, KindGuardrailInput, KindGuardrailProbeError:
		return TypePermissionErr
	case KindNotFound:
		return TypeNotFoundErr
	case KindRateLimited, KindQuotaExceeded:
		return TypeRateLimitError
	case KindTimeout:
		return TypeTimeoutError
	case KindInvalidRequest, KindCapabilityNotSupport, KindCircularFallback:
		return TypeInvalidRequest
	case KindProviderClientError, KindProviderServerError, KindProvidersExhausted, KindFallbackExhausted:
		return TypeProviderError
	default:
		return TypeServerError
	}
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// Timeouts are not handled here; WriteTimeout writes the 504.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error with standard rate-limit headers.
func WriteRateLimit(ctx *fasthttp.RequestCtx, limit, remaining int, resetAt int64, retryAfterSec int) {
	ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	ctx.Response.Header.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))
	if retryAfterSec > 0 {
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSec))
	}
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteQuotaExceeded writes a 429 quota-exceeded error (usage limiter).
func WriteQuotaExceeded(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeQuotaExceeded)
}

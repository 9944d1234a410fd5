// Package fault defines the error taxonomy surfaced by the Rapport core.
//
// Every error that crosses a component boundary is classified with a [Kind].
// Stages recover locally where the pipeline allows it; kinds that must reach
// the caller map onto HTTP status codes via [Kind.HTTPStatus]. Use [New] or
// [Wrap] to attach a kind and [KindOf] to classify an arbitrary error.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the coarse classification of a core error.
type Kind string

const (
	// KindValidation marks a malformed request (empty content, bad
	// language/scene, empty user_id).
	KindValidation Kind = "validation"

	// KindSceneMismatch marks a session previously labelled with a different
	// scene type.
	KindSceneMismatch Kind = "scene_mismatch"

	// KindImageLoadFailed marks an OCR or image fetch failure.
	KindImageLoadFailed Kind = "image_load_failed"

	// KindModelUnavailable marks that no provider in the chosen tier responded.
	KindModelUnavailable Kind = "model_unavailable"

	// KindAllProvidersFailed marks that every adapter candidate was exhausted.
	KindAllProvidersFailed Kind = "all_providers_failed"

	// KindReplyParseFailed marks LLM output from which no JSON could be
	// extracted even after the plain-text wrapper.
	KindReplyParseFailed Kind = "reply_parse_failed"

	// KindIntimacyRejected marks that all retry attempts failed the intimacy gate.
	KindIntimacyRejected Kind = "intimacy_rejected"

	// KindQuotaExceeded marks per-user quota exhaustion.
	KindQuotaExceeded Kind = "quota_exceeded"

	// KindCostLimitExceeded marks the per-request cost cap. Normally handled
	// internally by clamping quality; surfaced only under strict enforcement.
	KindCostLimitExceeded Kind = "cost_limit_exceeded"

	// KindTimeout marks a collaborator that did not respond within its budget.
	KindTimeout Kind = "timeout"

	// KindCacheUnavailable marks a cache backend failure. Non-fatal; callers
	// degrade to an empty cache.
	KindCacheUnavailable Kind = "cache_unavailable"

	// KindUnsupportedCapability marks a multimodal call against a provider
	// without multimodal support.
	KindUnsupportedCapability Kind = "unsupported_capability"

	// KindInternal is everything else.
	KindInternal Kind = "internal"
)

// Error is an error carrying a [Kind] and an optional wrapped cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error with no cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause yields nil.
func Wrap(kind Kind, msg string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf returns the kind of err, walking the wrap chain. Unclassified errors
// report [KindInternal]; a nil error reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to the HTTP status code the API surfaces.
// Kinds that the pipeline recovers from internally still have a mapping so
// that strict-enforcement callers can surface them.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindSceneMismatch, KindImageLoadFailed:
		return http.StatusBadRequest
	case KindModelUnavailable:
		return http.StatusUnauthorized
	case KindQuotaExceeded, KindCostLimitExceeded:
		return http.StatusPaymentRequired
	case KindCacheUnavailable:
		return http.StatusBadGateway
	case KindUnsupportedCapability:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

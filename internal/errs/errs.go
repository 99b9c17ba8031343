// Package errs defines the classified errors shared by the automation,
// orchestration and publication layers. A classified error carries a stable
// machine-readable kind alongside its human message so callers can branch on
// the kind without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable error classification.
type Kind string

// Automation-side kinds.
const (
	KindConcurrencyLock  Kind = "CONCURRENCY_LOCK"
	KindSessionExpired   Kind = "SESSION_EXPIRED"
	KindGenerationTimout Kind = "GENERATION_TIMEOUT"
	KindNoAssets         Kind = "NO_ASSETS"
)

// Credential-import kinds.
const (
	KindInvalidCredentials      Kind = "INVALID_CREDENTIALS"
	KindNoRelevantCredentials   Kind = "NO_RELEVANT_CREDENTIALS"
	KindCredentialInstallFailed Kind = "CREDENTIAL_INSTALL_FAILED"
)

// Publication-side kinds.
const (
	KindNoCaption      Kind = "NO_CAPTION"
	KindNoAsset        Kind = "NO_ASSET"
	KindCaptionTooLong Kind = "CAPTION_TOO_LONG"
	KindAssetTooLarge  Kind = "ASSET_TOO_LARGE"
	KindQuotaExceeded  Kind = "QUOTA_EXCEEDED"
	KindAPIError       Kind = "API_ERROR"
)

// Error is a classified error.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the classification of err, or "" if err carries none.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

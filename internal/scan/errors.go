package scan

import "errors"

var (
	// ErrInvalidTarget is returned when a submitted target cannot be normalized.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrNotFound is returned for unknown scan ids.
	ErrNotFound = errors.New("scan not found")
	// ErrSlugTaken signals a slug collision on insert; Records retries on it.
	ErrSlugTaken = errors.New("slug already taken")
	// ErrSlugExhausted is returned when no unique slug was found within the retry bound.
	ErrSlugExhausted = errors.New("slug attempts exhausted")
	// ErrQueueUnavailable wraps job queue failures.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrStoreUnavailable wraps record store failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrBestEffortPersistFailed marks a failed background write. It is logged, never surfaced.
	ErrBestEffortPersistFailed = errors.New("best-effort persist failed")
	// ErrInvalidTransition is returned when an update would move a scan backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrQuotaExceeded is returned by admission policies that reject a submission.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Stable error kinds reported to API clients.
const (
	KindInvalidTarget    = "invalid_target"
	KindNotFound         = "not_found"
	KindSlugExhausted    = "slug_exhausted"
	KindQueueUnavailable = "queue_unavailable"
	KindStoreUnavailable = "store_unavailable"
	KindQuotaExceeded    = "quota_exceeded"
	KindInternal         = "internal"
)

// KindOf maps an error chain to its stable kind.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidTarget):
		return KindInvalidTarget
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrSlugExhausted):
		return KindSlugExhausted
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrQueueUnavailable):
		return KindQueueUnavailable
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	default:
		return KindInternal
	}
}

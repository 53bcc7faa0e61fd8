// Package safeupload decides when a capture may leave the device without
// revealing where it was taken.
package safeupload

import (
	"time"

	"vigil/internal/geo"
	"vigil/internal/store"
)

// Policy is the pair of release conditions. Either one suffices.
type Policy struct {
	MinMeters float64
	MaxWait   time.Duration
}

// PolicyFromSettings converts the persisted safe policy.
func PolicyFromSettings(sp store.SafePolicy) Policy {
	return Policy{
		MinMeters: sp.MinMeters,
		MaxWait:   time.Duration(sp.MaxWaitMinutes) * time.Minute,
	}
}

// NewState returns the initial safe-upload state of a capture.
func NewState(required bool, origin geo.Point, now time.Time) store.SafeUpload {
	return store.SafeUpload{
		Required:      required,
		Ready:         !required,
		CaptureOrigin: origin,
		CreatedAt:     now,
	}
}

// IsReady reports whether the capture may be released. current may be nil
// when no location fix is known, in which case only elapsed time counts.
func IsReady(state store.SafeUpload, current *geo.Point, now time.Time, policy Policy) bool {
	if !state.Required || state.Ready {
		return true
	}
	if now.Sub(state.CreatedAt) >= policy.MaxWait {
		return true
	}
	if current == nil {
		return false
	}
	return geo.DistanceMeters(state.CaptureOrigin, *current) >= policy.MinMeters
}

// Remaining returns how long until the time condition releases the capture.
func Remaining(state store.SafeUpload, now time.Time, policy Policy) time.Duration {
	if !state.Required || state.Ready {
		return 0
	}
	left := policy.MaxWait - now.Sub(state.CreatedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Evaluate flips Ready and unlocks media when the policy is satisfied.
// It returns true when the report changed. Ready never reverts.
func Evaluate(r *store.Report, current *geo.Point, now time.Time, policy Policy) bool {
	if r.SafeUpload.Ready {
		return false
	}
	if !IsReady(r.SafeUpload, current, now, policy) {
		return false
	}
	r.SafeUpload.Ready = true
	for i := range r.Media {
		r.Media[i].Locked = false
	}
	return true
}

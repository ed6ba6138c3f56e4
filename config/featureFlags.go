package config

import (
	"os"
	"strings"
)

// PlatformFallbackOwnerId is the platform-level identity that orphaned line
// items are routed to when their true owner cannot be resolved.
//
// Set via env:
// - PLATFORM_FALLBACK_OWNER_ID=<seller identity uuid>
func PlatformFallbackOwnerId() string {
	return strings.TrimSpace(os.Getenv("PLATFORM_FALLBACK_OWNER_ID"))
}

// LogOwnerMismatch makes the drift scan log (never report, never repair)
// line items whose stamped seller differs from the product's current owner.
// Attribution keeps snapshot semantics either way; this flag only exists so
// the business can quantify how often ownership changes after sale before
// deciding whether live rebinding is ever wanted.
//
// Set via env:
// - ATTRIBUTION_LOG_OWNER_MISMATCH=true
func LogOwnerMismatch() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("ATTRIBUTION_LOG_OWNER_MISMATCH")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// SyncMirrorsOnRepair controls whether a reconciler repair enqueues mirror
// propagation immediately (via the outbox) or leaves mirrors to the periodic
// sync worker.
//
// Set via env:
// - MIRROR_SYNC_ON_REPAIR=false (default true)
func SyncMirrorsOnRepair() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("MIRROR_SYNC_ON_REPAIR")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

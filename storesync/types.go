package storesync

import "time"

// PubSubPushEnvelope is the wrapper Google Pub/Sub wraps around push
// deliveries. Message.Data is the base64-decoded OrderSyncMessage payload.
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// SyncOutcome summarizes one propagation of a single order document.
type SyncOutcome struct {
	OrderId        string   `json:"order_id"`
	MirrorsUpdated []string `json:"mirrors_updated"`
	MirrorsFailed  []string `json:"mirrors_failed"`
	// Deleted reports that the origin no longer has the order, so the
	// document was removed from every mirror instead of replaced.
	Deleted bool `json:"deleted"`
}

// DivergenceScanSummary is returned by a full divergence scan pass.
type DivergenceScanSummary struct {
	BusinessId     string    `json:"business_id"`
	OrdersScanned  int       `json:"orders_scanned"`
	MirrorsChecked []string  `json:"mirrors_checked"`
	Divergent      int       `json:"divergent"`
	Ambiguous      int       `json:"ambiguous"`
	ErrorCount     int       `json:"error_count"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

type TriggerDivergenceScanRequest struct {
	BusinessId string `json:"business_id" binding:"required"`
	PageSize   int    `json:"page_size"`
}

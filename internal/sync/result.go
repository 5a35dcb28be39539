package sync

// SyncType records which path a sync invocation took.
type SyncType string

const (
	SyncTypeNone        SyncType = "none"
	SyncTypeIncremental SyncType = "incremental"
	SyncTypeFull        SyncType = "full"
)

// SyncResult is the complete outcome of one SyncMailbox invocation. The
// engine never returns a Go error to its caller; every failure mode is
// captured here.
type SyncResult struct {
	Success              bool     `json:"success"`
	MessagesProcessed    int      `json:"messages_processed"`
	ConversationsTouched int      `json:"conversations_touched"`
	SyncType             SyncType `json:"sync_type"`
	Watermark            string   `json:"watermark,omitempty"`
	Error                string   `json:"error,omitempty"`
}

// fetchStatus classifies the outcome of a fetch pass so the orchestrator can
// branch exhaustively instead of inspecting error types.
type fetchStatus int

const (
	fetchOK fetchStatus = iota
	fetchCursorInvalid
	fetchRateLimited
	fetchFailed
)

// fetchResult is the tagged outcome of walking one fetch path. The watermark
// is meaningful only for fetchOK; err only otherwise.
type fetchResult struct {
	status    fetchStatus
	watermark string
	err       error
}

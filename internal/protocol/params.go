package protocol

import (
	"encoding/json"

	"github.com/chromedp/cdproto/target"
)

// ForwardCDPCommandParams wraps a CDP command sent from the hub to the agent.
// TabID is set when the hub resolved a child session to its parent tab.
type ForwardCDPCommandParams struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	TabID     int             `json:"tabId,omitempty"`
}

// ForwardCDPEventParams wraps a CDP event sent from the agent to the hub.
type ForwardCDPEventParams struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	TabID     int             `json:"tabId,omitempty"`
}

// AttachedToTargetParams is the body of Target.attachedToTarget.
type AttachedToTargetParams struct {
	SessionID          string       `json:"sessionId"`
	TargetInfo         *target.Info `json:"targetInfo"`
	WaitingForDebugger bool         `json:"waitingForDebugger"`
}

// DetachedFromTargetParams is the body of Target.detachedFromTarget.
type DetachedFromTargetParams struct {
	SessionID string    `json:"sessionId"`
	TargetID  target.ID `json:"targetId,omitempty"`
}

// TargetRef carries the optional targetId every routable command may name.
type TargetRef struct {
	TargetID target.ID `json:"targetId,omitempty"`
}

// TabRef addresses a tab either by handle or by session id.
type TabRef struct {
	TabID     int    `json:"tabId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// CreateInitialTabParams opens the first tab for a fresh client.
type CreateInitialTabParams struct {
	URL string `json:"url,omitempty"`
}

// CreateInitialTabResult returns the attached tab synchronously.
type CreateInitialTabResult struct {
	TabID      int          `json:"tabId"`
	SessionID  string       `json:"sessionId"`
	TargetInfo *target.Info `json:"targetInfo"`
}

// CreateTargetResult is the body of a Target.createTarget response.
type CreateTargetResult struct {
	TargetID target.ID `json:"targetId"`
	TabID    int       `json:"tabId,omitempty"`
}

// StartRecordingParams starts a recording on a connected tab.
type StartRecordingParams struct {
	TabID      int    `json:"tabId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	OutputPath string `json:"outputPath,omitempty"`
	Label      string `json:"label,omitempty"`
	Quality    int    `json:"quality,omitempty"`
	MaxWidth   int    `json:"maxWidth,omitempty"`
	MaxHeight  int    `json:"maxHeight,omitempty"`
}

// StartRecordingResult is returned once capture is running.
type StartRecordingResult struct {
	TabID     int   `json:"tabId"`
	StartedAt int64 `json:"startedAt"`
}

// StopRecordingResult resolves a stopRecording request. Duration is in
// milliseconds.
type StopRecordingResult struct {
	Success  bool   `json:"success"`
	Path     string `json:"path,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Duration int64  `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// IsRecordingResult answers isRecording.
type IsRecordingResult struct {
	IsRecording bool `json:"isRecording"`
}

// RecordingDataParams announces a chunk. Unless Final, the next binary frame
// carries the bytes.
type RecordingDataParams struct {
	TabID int  `json:"tabId"`
	Final bool `json:"final"`
}

// RecordingCancelledParams notifies that a tab's recording was abandoned.
type RecordingCancelledParams struct {
	TabID  int    `json:"tabId"`
	Reason string `json:"reason,omitempty"`
}

// LogParams forwards an agent log record.
type LogParams struct {
	Level string `json:"level"`
	Args  []any  `json:"args"`
}

// Status is the liveness document served by the hub.
type Status struct {
	Connected     bool `json:"connected"`
	ActiveTargets int  `json:"activeTargets"`
}

package storage

import "time"

// Journal entry kinds.
const (
	KindAgentConnected    = "agent_connected"
	KindAgentDisconnected = "agent_disconnected"
	KindAgentRejected     = "agent_rejected"
	KindAgentReplaced     = "agent_replaced"
	KindClientConnected   = "client_connected"
	KindClientClosed      = "client_disconnected"
	KindTargetAttached    = "target_attached"
	KindTargetDetached    = "target_detached"
	KindRecordingStarted  = "recording_started"
	KindRecordingSaved    = "recording_saved"
	KindRecordingFailed   = "recording_failed"
)

// Entry is one journal line.
type Entry struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	Remote    string    `json:"remote,omitempty"`
	TabID     int       `json:"tab_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	TargetID  string    `json:"target_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Journal records hub lifecycle events. A nil Journal discards entries.
type Journal struct {
	w *JSONLWriter
}

// OpenJournal starts a journal under dir.
func OpenJournal(dir string, maxSizeMB int) *Journal {
	return &Journal{w: NewJSONLWriter(dir, "journal", 1024, maxSizeMB)}
}

// Record appends e, stamping the time if unset.
func (j *Journal) Record(e Entry) {
	if j == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	_ = j.w.Write(e)
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.w.Close()
}

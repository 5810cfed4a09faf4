// Package recording accumulates recording chunks relayed by the agent and
// persists them when the final chunk arrives.
package recording

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgnsrekt/tab_relay/internal/protocol"
)

// DefaultStopTimeout bounds how long stopRecording waits for the final chunk.
const DefaultStopTimeout = 30 * time.Second

// ReasonCancelled is the failure reason for a recording cancelled mid-stop.
const ReasonCancelled = "cancelled"

// Active is a recording in progress.
type Active struct {
	TabID      int       `json:"tab_id"`
	Label      string    `json:"label,omitempty"`
	OutputPath string    `json:"output_path"`
	StartedAt  time.Time `json:"started_at"`
	Bytes      int64     `json:"bytes"`
	Chunks     int       `json:"chunks"`
	Stopping   bool      `json:"stopping"`

	data    [][]byte
	waiters []chan protocol.StopRecordingResult
}

// Option configures a Relay.
type Option func(*Relay)

// WithStopTimeout overrides DefaultStopTimeout.
func WithStopTimeout(d time.Duration) Option {
	return func(r *Relay) { r.stopTimeout = d }
}

// WithListener registers a callback fired after a recording is saved or
// discarded. It runs without the relay lock held.
func WithListener(fn func(tabID int, result protocol.StopRecordingResult)) Option {
	return func(r *Relay) { r.listener = fn }
}

// Relay tracks active recordings keyed by tab.
type Relay struct {
	store       *Store
	stopTimeout time.Duration
	listener    func(int, protocol.StopRecordingResult)
	now         func() time.Time

	mu     sync.Mutex
	active map[int]*Active
}

// NewRelay returns a relay writing to store.
func NewRelay(store *Store, opts ...Option) *Relay {
	r := &Relay{
		store:       store,
		stopTimeout: DefaultStopTimeout,
		now:         time.Now,
		active:      make(map[int]*Active),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Begin registers a recording. The output path is validated before the agent
// is asked to start capturing.
func (r *Relay) Begin(tabID int, label, outputPath string) error {
	path, err := r.store.Resolve(outputPath)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[tabID]; ok {
		return protocol.Errorf(protocol.CodeRecording, "tab %d is already recording", tabID)
	}
	r.active[tabID] = &Active{TabID: tabID, Label: label, OutputPath: path, StartedAt: r.now()}
	return nil
}

// Started records the agent's start time once capture is running.
func (r *Relay) Started(tabID int, startedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.active[tabID]; ok && !startedAt.IsZero() {
		rec.StartedAt = startedAt
	}
}

// Abort drops a recording that never started.
func (r *Relay) Abort(tabID int) {
	r.mu.Lock()
	delete(r.active, tabID)
	r.mu.Unlock()
}

// Chunk appends data to tabID's recording.
func (r *Relay) Chunk(tabID int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[tabID]
	if !ok {
		return protocol.Errorf(protocol.CodeRecording, "no active recording for tab %d", tabID)
	}
	rec.data = append(rec.data, data)
	rec.Bytes += int64(len(data))
	rec.Chunks++
	return nil
}

// Final persists tabID's recording and resolves pending stops.
func (r *Relay) Final(tabID int) protocol.StopRecordingResult {
	r.mu.Lock()
	rec, ok := r.active[tabID]
	delete(r.active, tabID)
	r.mu.Unlock()
	if !ok {
		return protocol.StopRecordingResult{Error: "no active recording"}
	}

	end := r.now()
	meta, err := r.store.Save(Meta{
		TabID:      tabID,
		Label:      rec.Label,
		Path:       rec.OutputPath,
		DurationMS: end.Sub(rec.StartedAt).Milliseconds(),
		StartedAt:  rec.StartedAt.UTC(),
		CreatedAt:  end.UTC(),
	}, rec.data)

	var res protocol.StopRecordingResult
	if err != nil {
		slog.Error("recording save failed", "tab_id", tabID, "path", rec.OutputPath, "error", err)
		res = protocol.StopRecordingResult{Error: err.Error()}
	} else {
		slog.Info("recording saved", "tab_id", tabID, "id", meta.ID, "path", meta.Path, "size_bytes", meta.SizeBytes)
		res = protocol.StopRecordingResult{Success: true, Path: meta.Path, Size: meta.SizeBytes, Duration: meta.DurationMS}
	}
	r.resolve(tabID, rec, res)
	return res
}

// Cancel discards tabID's recording. A pending stop resolves as a failure.
func (r *Relay) Cancel(tabID int, reason string) bool {
	r.mu.Lock()
	rec, ok := r.active[tabID]
	delete(r.active, tabID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if reason == "" {
		reason = ReasonCancelled
	}
	slog.Info("recording discarded", "tab_id", tabID, "reason", reason, "chunks", rec.Chunks)
	r.resolve(tabID, rec, protocol.StopRecordingResult{Error: reason})
	return true
}

// Stop marks tabID as stopping, runs trigger (which asks the agent to finish),
// and waits for the final chunk. The stop timeout covers the trigger and the
// wait together; when it expires the recording is discarded and the result is
// a failure.
func (r *Relay) Stop(ctx context.Context, tabID int, trigger func() error) protocol.StopRecordingResult {
	timer := time.NewTimer(r.stopTimeout)
	defer timer.Stop()

	wait := make(chan protocol.StopRecordingResult, 1)
	r.mu.Lock()
	rec, ok := r.active[tabID]
	if ok {
		rec.Stopping = true
		rec.waiters = append(rec.waiters, wait)
	}
	r.mu.Unlock()
	if !ok {
		return protocol.StopRecordingResult{Error: "no active recording"}
	}

	var triggered chan error
	if trigger != nil {
		triggered = make(chan error, 1)
		go func() { triggered <- trigger() }()
	}

	for {
		select {
		case res := <-wait:
			return res
		case err := <-triggered:
			triggered = nil
			if err != nil {
				r.Cancel(tabID, err.Error())
				return <-wait
			}
		case <-timer.C:
			r.Cancel(tabID, "timed out waiting for final chunk")
			return <-wait
		case <-ctx.Done():
			r.Cancel(tabID, ctx.Err().Error())
			return <-wait
		}
	}
}

// IsRecording reports whether tabID has an active recording.
func (r *Relay) IsRecording(tabID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[tabID]
	return ok
}

// List returns the active recordings ordered by tab.
func (r *Relay) List() []Active {
	r.mu.Lock()
	out := make([]Active, 0, len(r.active))
	for _, rec := range r.active {
		cp := *rec
		cp.data, cp.waiters = nil, nil
		out = append(out, cp)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Store returns the backing store.
func (r *Relay) Store() *Store { return r.store }

func (r *Relay) resolve(tabID int, rec *Active, res protocol.StopRecordingResult) {
	for _, w := range rec.waiters {
		w <- res
	}
	if r.listener != nil {
		r.listener(tabID, res)
	}
}

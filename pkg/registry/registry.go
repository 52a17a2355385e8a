// Package registry tracks in-flight council jobs: one record per
// (userID, sessionID), subscriber fan-out, event accumulation for
// reconnection replay, grace-period cancellation, and stale sweeping.
//
// All registry state is guarded by one mutex. Subscriber sends never happen
// under the lock: publish records the event and snapshots the subscriber set
// in one critical section, then writes outside it. That single critical
// section is what makes a reconnecting subscriber's replay an exact prefix of
// what live subscribers have seen.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opencouncil/councild/pkg/models"
)

// ErrAtCapacity is returned when a new job would exceed the concurrency bound.
var ErrAtCapacity = errors.New("registry at capacity")

// subscriberBuffer bounds each subscriber's send queue. A subscriber that
// falls this far behind is dropped rather than stalling the producer.
const subscriberBuffer = 64

// Subscriber is one attached event stream reader.
type Subscriber struct {
	events chan models.Event
	closed bool // guarded by the registry mutex
}

// Events is the subscriber's receive side; it is closed when the job ends or
// the subscriber is dropped.
func (s *Subscriber) Events() <-chan models.Event { return s.events }

// Record is the live state of one job.
type Record struct {
	UserID      string
	SessionID   string
	UserMessage string
	Mode        models.Mode
	StartedAt   time.Time

	generation  uint64
	cancel      context.CancelFunc
	lastEventAt time.Time
	subscribers map[*Subscriber]struct{}
	graceTimer  *time.Timer

	currentStage    models.Stage
	stage1Results   []models.Stage1Answer
	stage2Results   []models.Stage2Review
	stage3Content   string
	stage3Reasoning string
	labelToModel    map[string]string
	aggregate       []models.AggregateRanking
	stage1Streaming map[string]string
	stage2Streaming map[string]string
	title           string
}

// Status is the externally visible snapshot of a record.
type Status struct {
	IsProcessing bool         `json:"is_processing"`
	CanReconnect bool         `json:"can_reconnect"`
	CurrentStage models.Stage `json:"current_stage,omitempty"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	Stage1Count  int          `json:"stage1_count"`
	Stage2Count  int          `json:"stage2_count"`
	HasStage3    bool         `json:"has_stage3"`
}

// Config bounds and tunes the registry.
type Config struct {
	MaxConcurrent     int
	GracePeriod       time.Duration
	StaleThreshold    time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
}

// Registry is the process-wide active-job table.
type Registry struct {
	cfg Config

	mu          sync.Mutex
	records     map[string]*Record
	connections int
	nextGen     uint64

	sweepStop chan struct{}
	sweepDone chan struct{}
}

func New(cfg Config) *Registry {
	r := &Registry{
		cfg:       cfg,
		records:   make(map[string]*Record),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go r.sweeper()
	return r
}

func key(userID, sessionID string) string { return userID + "/" + sessionID }

// StartJob installs a new record, attaches the caller as its first subscriber,
// and launches the producer via start, which receives the job's cancellation
// context. The subscriber joins in the same critical section that installs the
// record, before the pump runs, so it receives the job's events from the very
// first one. An existing record for the same key is aborted and removed first;
// its late completion cannot clobber the replacement because Complete is
// fenced by generation. Returns ErrAtCapacity when the concurrency bound is
// reached and the key is not being superseded.
func (r *Registry) StartJob(userID, sessionID, userMessage string, mode models.Mode, start func(ctx context.Context) <-chan models.Event) (*Subscriber, error) {
	k := key(userID, sessionID)

	r.mu.Lock()
	old := r.records[k]
	if old == nil && len(r.records) >= r.cfg.MaxConcurrent {
		r.mu.Unlock()
		return nil, ErrAtCapacity
	}
	if old != nil {
		r.removeLocked(k, old)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.nextGen++
	rec := &Record{
		UserID:          userID,
		SessionID:       sessionID,
		UserMessage:     userMessage,
		Mode:            mode,
		StartedAt:       time.Now().UTC(),
		generation:      r.nextGen,
		cancel:          cancel,
		lastEventAt:     time.Now(),
		subscribers:     make(map[*Subscriber]struct{}),
		stage1Streaming: make(map[string]string),
		stage2Streaming: make(map[string]string),
	}
	r.records[k] = rec
	sub := &Subscriber{events: make(chan models.Event, subscriberBuffer)}
	r.addSubscriberLocked(rec, sub)
	r.mu.Unlock()

	events := start(ctx)
	go r.pump(rec, events)
	return sub, nil
}

// pump consumes the producer's events, routing each through record-then-
// broadcast, and interleaves heartbeats. It owns the job's write side: no
// other goroutine publishes events for this record.
func (r *Registry) pump(rec *Record, events <-chan models.Event) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				r.Complete(rec.UserID, rec.SessionID, rec.generation)
				return
			}
			r.publish(rec, ev)
		case <-ticker.C:
			r.Broadcast(rec.UserID, rec.SessionID, models.Event{
				Type: models.EventHeartbeat,
				Ts:   time.Now().UnixMilli(),
			})
		}
	}
}

// publish records the event and broadcasts it to the subscriber snapshot.
func (r *Registry) publish(rec *Record, ev models.Event) {
	r.mu.Lock()
	rec.recordEvent(ev)
	subs := rec.snapshotLocked()
	r.mu.Unlock()

	r.send(rec, subs, ev)
}

// Broadcast delivers an event to current subscribers without recording it.
// Used for heartbeats only.
func (r *Registry) Broadcast(userID, sessionID string, ev models.Event) {
	r.mu.Lock()
	rec := r.records[key(userID, sessionID)]
	var subs []*Subscriber
	if rec != nil {
		subs = rec.snapshotLocked()
	}
	r.mu.Unlock()

	if rec != nil {
		r.send(rec, subs, ev)
	}
}

// send writes outside the lock; a subscriber whose buffer is full is dropped.
func (r *Registry) send(rec *Record, subs []*Subscriber, ev models.Event) {
	for _, sub := range subs {
		select {
		case sub.events <- ev:
		default:
			slog.Warn("dropping slow subscriber",
				"user_id", rec.UserID, "session_id", rec.SessionID)
			r.RemoveClient(rec.UserID, rec.SessionID, sub)
		}
	}
}

// Attach adds a fresh subscriber to a record without replay. Returns false
// when no record exists.
func (r *Registry) Attach(userID, sessionID string) (*Subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.records[key(userID, sessionID)]
	if rec == nil {
		return nil, false
	}
	sub := &Subscriber{events: make(chan models.Event, subscriberBuffer)}
	r.addSubscriberLocked(rec, sub)
	return sub, true
}

// Reattach adds a subscriber with replay: the accumulated state is replayed
// in stage order, a reconnected marker is appended, and only then does the
// subscriber join the live set. Because this happens in the same critical
// section that publish uses to record, the replay is a prefix of the live
// stream with no duplicated or missed events.
func (r *Registry) Reattach(userID, sessionID string) (*Subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.records[key(userID, sessionID)]
	if rec == nil {
		return nil, false
	}
	replay := rec.replayLocked()
	// Replay length is bounded by the model roster, far below the buffer.
	sub := &Subscriber{events: make(chan models.Event, subscriberBuffer)}
	for _, ev := range replay {
		sub.events <- ev
	}
	r.addSubscriberLocked(rec, sub)
	return sub, true
}

func (r *Registry) addSubscriberLocked(rec *Record, sub *Subscriber) {
	if rec.graceTimer != nil {
		rec.graceTimer.Stop()
		rec.graceTimer = nil
	}
	rec.subscribers[sub] = struct{}{}
	r.connections++
}

// RemoveClient detaches a subscriber. When the last subscriber leaves, a
// grace timer starts; if nobody reattaches before it fires, the job is
// aborted and removed.
func (r *Registry) RemoveClient(userID, sessionID string, sub *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.records[key(userID, sessionID)]
	if rec == nil {
		return
	}
	if _, ok := rec.subscribers[sub]; !ok {
		return
	}
	delete(rec.subscribers, sub)
	r.closeSubscriberLocked(sub)
	r.connections--

	if len(rec.subscribers) == 0 && rec.graceTimer == nil {
		gen := rec.generation
		rec.graceTimer = time.AfterFunc(r.cfg.GracePeriod, func() {
			r.graceExpired(userID, sessionID, gen)
		})
	}
}

func (r *Registry) graceExpired(userID, sessionID string, gen uint64) {
	r.mu.Lock()
	rec := r.records[key(userID, sessionID)]
	if rec == nil || rec.generation != gen || len(rec.subscribers) > 0 {
		r.mu.Unlock()
		return
	}
	slog.Info("grace period expired, aborting job",
		"user_id", userID, "session_id", sessionID)
	r.removeLocked(key(userID, sessionID), rec)
	r.mu.Unlock()
}

// Complete removes the record and closes its subscribers. A non-zero gen that
// does not match the record's generation makes the call a no-op, so a
// superseded job's late completion cannot remove its replacement.
func (r *Registry) Complete(userID, sessionID string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(userID, sessionID)
	rec := r.records[k]
	if rec == nil {
		return
	}
	if gen != 0 && rec.generation != gen {
		return
	}
	r.removeLocked(k, rec)
}

// Abort fires the job's cancellation and removes the record. Returns false
// when no record exists.
func (r *Registry) Abort(userID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(userID, sessionID)
	rec := r.records[k]
	if rec == nil {
		return false
	}
	r.removeLocked(k, rec)
	return true
}

// removeLocked cancels, closes subscribers, stops timers, and deletes.
func (r *Registry) removeLocked(k string, rec *Record) {
	rec.cancel()
	if rec.graceTimer != nil {
		rec.graceTimer.Stop()
		rec.graceTimer = nil
	}
	for sub := range rec.subscribers {
		r.closeSubscriberLocked(sub)
		r.connections--
	}
	rec.subscribers = make(map[*Subscriber]struct{})
	delete(r.records, k)
}

func (r *Registry) closeSubscriberLocked(sub *Subscriber) {
	if !sub.closed {
		sub.closed = true
		close(sub.events)
	}
}

// IsProcessing reports whether a job is active for the key.
func (r *Registry) IsProcessing(userID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[key(userID, sessionID)] != nil
}

// Status snapshots a record's progress for the status endpoint.
func (r *Registry) Status(userID, sessionID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.records[key(userID, sessionID)]
	if rec == nil {
		return Status{}
	}
	started := rec.StartedAt
	return Status{
		IsProcessing: true,
		CanReconnect: true,
		CurrentStage: rec.currentStage,
		StartedAt:    &started,
		Stage1Count:  len(rec.stage1Results),
		Stage2Count:  len(rec.stage2Results),
		HasStage3:    rec.stage3Content != "" || rec.stage3Reasoning != "",
	}
}

func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *Registry) AtCapacity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records) >= r.cfg.MaxConcurrent
}

// Connections is the current subscriber gauge across all jobs.
func (r *Registry) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connections
}

// Shutdown stops the sweeper and aborts every record.
func (r *Registry) Shutdown() {
	close(r.sweepStop)
	<-r.sweepDone

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, rec := range r.records {
		r.removeLocked(k, rec)
	}
}

// sweeper aborts records whose producer has gone quiet past the threshold.
func (r *Registry) sweeper() {
	defer close(r.sweepDone)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.sweepStop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.cfg.StaleThreshold)
	for k, rec := range r.records {
		if rec.lastEventAt.Before(cutoff) {
			slog.Warn("sweeping stale job",
				"user_id", rec.UserID, "session_id", rec.SessionID,
				"last_event_at", rec.lastEventAt)
			r.removeLocked(k, rec)
		}
	}
}

// ── record accumulation and replay ───────────────────────────────────────

func (rec *Record) snapshotLocked() []*Subscriber {
	subs := make([]*Subscriber, 0, len(rec.subscribers))
	for sub := range rec.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

// recordEvent folds one event into the record's accumulated state.
// Heartbeats never reach this function.
func (rec *Record) recordEvent(ev models.Event) {
	rec.lastEventAt = time.Now()

	switch ev.Type {
	case models.EventStage1Start:
		rec.currentStage = models.Stage1
	case models.EventStage2Start:
		rec.currentStage = models.Stage2
	case models.EventStage3Start:
		rec.currentStage = models.Stage3
	case models.EventStage1Chunk:
		rec.stage1Streaming[ev.Model] += ev.Delta
	case models.EventStage2Chunk:
		rec.stage2Streaming[ev.Model] += ev.Delta
	case models.EventStage1Response:
		if ev.Answer != nil {
			rec.stage1Results = append(rec.stage1Results, *ev.Answer)
			delete(rec.stage1Streaming, ev.Answer.Model)
		}
	case models.EventStage2Response:
		if ev.Review != nil {
			rec.stage2Results = append(rec.stage2Results, *ev.Review)
			delete(rec.stage2Streaming, ev.Review.Model)
		}
	case models.EventStage2Complete:
		rec.labelToModel = ev.LabelToModel
		rec.aggregate = ev.Aggregate
	case models.EventStage3Chunk:
		rec.stage3Content += ev.Delta
	case models.EventStage3ReasoningChunk:
		rec.stage3Reasoning += ev.Delta
	case models.EventTitleComplete:
		rec.title = ev.Title
	}
}

func stageRank(s models.Stage) int {
	switch s {
	case models.Stage1:
		return 1
	case models.Stage2:
		return 2
	case models.Stage3:
		return 3
	default:
		return 0
	}
}

// replayLocked rebuilds the event prefix for a reconnecting subscriber:
// completed results as response events, in-progress streams as one coalesced
// chunk per model, stage completion markers only where the job has moved on.
func (rec *Record) replayLocked() []models.Event {
	var evs []models.Event
	rank := stageRank(rec.currentStage)

	if len(rec.stage1Results) > 0 || len(rec.stage1Streaming) > 0 || rec.currentStage == models.Stage1 {
		evs = append(evs, models.Event{Type: models.EventStage1Start})
		for i := range rec.stage1Results {
			evs = append(evs, models.Event{Type: models.EventStage1Response, Answer: &rec.stage1Results[i]})
		}
		if rec.currentStage == models.Stage1 {
			evs = append(evs, streamingChunks(models.EventStage1Chunk, rec.stage1Streaming)...)
		}
		if rank > 1 {
			evs = append(evs, models.Event{Type: models.EventStage1Complete})
		}
	}

	if len(rec.stage2Results) > 0 || len(rec.stage2Streaming) > 0 || rec.currentStage == models.Stage2 {
		evs = append(evs, models.Event{Type: models.EventStage2Start})
		for i := range rec.stage2Results {
			evs = append(evs, models.Event{Type: models.EventStage2Response, Review: &rec.stage2Results[i]})
		}
		if rec.currentStage == models.Stage2 {
			evs = append(evs, streamingChunks(models.EventStage2Chunk, rec.stage2Streaming)...)
		}
		if rank > 2 && len(rec.labelToModel) > 0 {
			evs = append(evs, models.Event{
				Type:         models.EventStage2Complete,
				LabelToModel: rec.labelToModel,
				Aggregate:    rec.aggregate,
			})
		}
	}

	if rec.stage3Content != "" || rec.stage3Reasoning != "" || rec.currentStage == models.Stage3 {
		evs = append(evs, models.Event{Type: models.EventStage3Start})
		if rec.stage3Reasoning != "" {
			evs = append(evs, models.Event{Type: models.EventStage3ReasoningChunk, Delta: rec.stage3Reasoning})
		}
		if rec.stage3Content != "" {
			evs = append(evs, models.Event{Type: models.EventStage3Chunk, Delta: rec.stage3Content})
		}
	}

	evs = append(evs, models.Event{
		Type:        models.EventReconnected,
		Stage:       rec.currentStage,
		UserMessage: rec.UserMessage,
	})
	return evs
}

// streamingChunks emits one coalesced chunk per in-progress model, in sorted
// model order for determinism.
func streamingChunks(chunkType models.EventType, streaming map[string]string) []models.Event {
	keys := make([]string, 0, len(streaming))
	for model, content := range streaming {
		if content != "" {
			keys = append(keys, model)
		}
	}
	sort.Strings(keys)

	evs := make([]models.Event, 0, len(keys))
	for _, model := range keys {
		evs = append(evs, models.Event{Type: chunkType, Model: model, Delta: streaming[model]})
	}
	return evs
}

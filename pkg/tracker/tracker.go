// Package tracker reconciles the two update channels for every tracked
// conversion job (per-job push connections and periodic pull snapshots)
// into one ordered, render-ready view.
package tracker

import (
	"context"
	"sync"
	"time"

	"convtrack/pkg/api"
	"convtrack/pkg/logging"
	"convtrack/pkg/models"
	"convtrack/pkg/push"
	"convtrack/pkg/retry"
)

// SnapshotFetcher performs the one-shot pull of a job's full state
type SnapshotFetcher interface {
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
}

// PushChannel is the slice of push.Channel the tracker needs
type PushChannel interface {
	Status() push.Status
	Close()
}

// ChannelOpener opens a push channel for a job id
type ChannelOpener interface {
	OpenChannel(jobID string, cb push.Callbacks) PushChannel
}

// MetricsRecorder receives reconciliation outcomes. All methods must be
// cheap; they are called under the tracker lock.
type MetricsRecorder interface {
	RecordMerge(source, outcome string)
	SetTrackedJobs(n int)
	SetStaleJobs(n int)
}

// JobView is one entry of the render-ready collection
type JobView struct {
	models.Job
	Stale         bool        `json:"stale"`
	ChannelStatus push.Status `json:"channel_status"`
}

// Options configures a Tracker
type Options struct {
	// FallbackInterval is the period of the pull fallback while a job's
	// push channel is down. Zero means the 10s default.
	FallbackInterval time.Duration

	// BootstrapRetry bounds the retries of the initial snapshot fetch
	// before a fresh job is marked stale. A zero InitialBackoff selects
	// the default policy.
	BootstrapRetry retry.Config

	Logger *logging.Logger
}

const defaultFallbackInterval = 10 * time.Second

// Transport-level failures are not retried inside the API client, so
// the bootstrap gets a short budget of its own before degrading to
// stale. The periodic fallback loop retries on its own schedule.
var defaultBootstrapRetry = retry.Config{
	MaxRetries:     2,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Multiplier:     2.0,
}

type trackedJob struct {
	id        string
	gen       uint64
	record    models.Job
	highWater int
	stale     bool
	pushSeen  bool
	lastPull  time.Time
	channel   PushChannel
	cancel    context.CancelFunc
}

// Tracker owns the job-id-to-record mapping. The mapping is mutated
// exclusively through the two merge entry points (applyPush, applyPull),
// so the final state of a record depends on the precedence rule and not
// on which channel resolved first.
type Tracker struct {
	fetch     SnapshotFetcher
	opener    ChannelOpener
	log       *logging.Logger
	interval  time.Duration
	bootRetry retry.Config

	mu      sync.RWMutex
	jobs    map[string]*trackedJob
	order   []string
	nextGen uint64
	metrics MetricsRecorder
	closed  bool
}

// New creates a tracker with an empty tracked set
func New(fetch SnapshotFetcher, opener ChannelOpener, opts Options) *Tracker {
	if opts.FallbackInterval <= 0 {
		opts.FallbackInterval = defaultFallbackInterval
	}
	if opts.BootstrapRetry.InitialBackoff <= 0 {
		opts.BootstrapRetry = defaultBootstrapRetry
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Tracker{
		fetch:     fetch,
		opener:    opener,
		log:       opts.Logger,
		interval:  opts.FallbackInterval,
		bootRetry: opts.BootstrapRetry,
		jobs:      make(map[string]*trackedJob),
	}
}

// SetMetricsRecorder attaches a metrics sink. Pass before Track calls.
func (t *Tracker) SetMetricsRecorder(rec MetricsRecorder) {
	t.mu.Lock()
	t.metrics = rec
	t.mu.Unlock()
}

// Track adds a job id to the tracked set: seed the record, fetch the
// bootstrap snapshot, open the push channel and arm the pull fallback.
// Tracking an already-tracked id is a no-op.
func (t *Tracker) Track(jobID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if _, ok := t.jobs[jobID]; ok {
		t.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.nextGen++
	tj := &trackedJob{
		id:     jobID,
		gen:    t.nextGen,
		cancel: cancel,
		// Seeded at the floor of the ordering; any real data outranks it
		record: models.Job{ID: jobID, Status: models.JobStatusPending},
	}
	gen := tj.gen
	t.jobs[jobID] = tj
	t.order = append(t.order, jobID)
	t.recordGauges()
	t.mu.Unlock()

	t.log.Debug("tracking job", map[string]interface{}{"job_id": jobID})

	ch := t.opener.OpenChannel(jobID, push.Callbacks{
		OnMessage: func(msg push.Message) {
			t.applyPush(jobID, gen, msg)
		},
		OnClose: func(err error) {
			t.channelDropped(jobID, gen, err)
		},
	})

	t.mu.Lock()
	// Untrack may have raced the channel open; close the orphan
	if cur, ok := t.jobs[jobID]; !ok || cur.gen != gen {
		t.mu.Unlock()
		ch.Close()
		return
	} else {
		cur.channel = ch
	}
	t.mu.Unlock()

	go t.bootstrap(ctx, jobID, gen)
	go t.fallbackLoop(ctx, jobID, gen)
}

// Untrack removes a job id: the channel is closed, pending fallback
// callbacks are suppressed and the record is discarded. Callbacks
// scheduled before Untrack can no longer mutate state.
func (t *Tracker) Untrack(jobID string) {
	t.mu.Lock()
	tj, ok := t.jobs[jobID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.jobs, jobID)
	for i, id := range t.order {
		if id == jobID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.recordGauges()
	t.mu.Unlock()

	tj.cancel()
	if tj.channel != nil {
		tj.channel.Close()
	}
	t.log.Debug("untracked job", map[string]interface{}{"job_id": jobID})
}

// TrackedIDs returns the tracked ids in original tracking order
func (t *Tracker) TrackedIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, len(t.order))
	copy(ids, t.order)
	return ids
}

// Jobs returns the merged records in original tracking order. Records
// never leave the view except through Untrack; a job whose channels have
// failed keeps its last known data, flagged stale.
func (t *Tracker) Jobs() []JobView {
	t.mu.RLock()
	defer t.mu.RUnlock()

	views := make([]JobView, 0, len(t.order))
	for _, id := range t.order {
		tj := t.jobs[id]
		view := JobView{Job: tj.record, Stale: tj.stale}
		if tj.channel != nil {
			view.ChannelStatus = tj.channel.Status()
		} else {
			view.ChannelStatus = push.StatusConnecting
		}
		views = append(views, view)
	}
	return views
}

// Job returns the merged view for one id
func (t *Tracker) Job(jobID string) (JobView, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tj, ok := t.jobs[jobID]
	if !ok {
		return JobView{}, false
	}
	view := JobView{Job: tj.record, Stale: tj.stale}
	if tj.channel != nil {
		view.ChannelStatus = tj.channel.Status()
	} else {
		view.ChannelStatus = push.StatusConnecting
	}
	return view, true
}

// Close untracks every job
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	ids := make([]string, len(t.order))
	copy(ids, t.order)
	t.mu.Unlock()

	for _, id := range ids {
		t.Untrack(id)
	}
}

// bootstrap performs the initial snapshot fetch for a freshly tracked
// id, retrying transient failures before degrading the record to stale.
func (t *Tracker) bootstrap(ctx context.Context, jobID string, gen uint64) {
	var job *models.Job
	err := retry.Do(ctx, t.bootRetry, func() error {
		j, err := t.fetch.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		t.log.Warn("bootstrap snapshot failed", map[string]interface{}{
			"job_id": jobID,
			"error":  err.Error(),
		})
		t.markStale(jobID, gen)
		return
	}
	t.applyPull(jobID, gen, job)
}

// fallbackLoop runs the periodic pull fallback for one job. Each tick it
// checks liveness of the push channel: a connected channel that has
// delivered a message since (re)connecting disables the fallback.
func (t *Tracker) fallbackLoop(ctx context.Context, jobID string, gen uint64) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t.mu.RLock()
		tj, ok := t.jobs[jobID]
		if !ok || tj.gen != gen {
			t.mu.RUnlock()
			return
		}
		pushLive := tj.pushSeen && tj.channel != nil && tj.channel.Status() == push.StatusConnected
		terminal := models.IsTerminalStatus(tj.record.Status) && !tj.stale
		t.mu.RUnlock()

		if pushLive || terminal {
			continue
		}

		job, err := t.fetch.GetJob(ctx, jobID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.log.Debug("fallback snapshot failed", map[string]interface{}{
				"job_id": jobID,
				"error":  err.Error(),
			})
			t.markStale(jobID, gen)
			continue
		}
		t.applyPull(jobID, gen, job)
	}
}

// applyPush is one of the two merge entry points. The generation guard
// makes a message that raced Untrack a no-op.
func (t *Tracker) applyPush(jobID string, gen uint64, msg push.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tj, ok := t.jobs[jobID]
	if !ok || tj.gen != gen {
		return
	}

	before := tj.record
	tj.record, tj.highWater = merge(tj.record, tj.highWater, updateFromMessage(msg))
	tj.pushSeen = true
	tj.stale = false
	t.recordMerge(SourcePush, before, tj.record)
	t.recordGauges()
}

// applyPull is the second merge entry point, shared by bootstrap and
// fallback fetches. The same precedence rules apply, so a pull can never
// regress state learned from push and vice versa.
func (t *Tracker) applyPull(jobID string, gen uint64, job *models.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tj, ok := t.jobs[jobID]
	if !ok || tj.gen != gen {
		return
	}

	before := tj.record
	tj.record, tj.highWater = merge(tj.record, tj.highWater, updateFromSnapshot(job))
	tj.lastPull = time.Now()
	tj.stale = false
	t.recordMerge(SourcePull, before, tj.record)
	t.recordGauges()
}

// markStale degrades a single job to stale, keeping its last known data.
// Other tracked jobs are unaffected.
func (t *Tracker) markStale(jobID string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tj, ok := t.jobs[jobID]
	if !ok || tj.gen != gen {
		return
	}
	tj.stale = true
	t.recordGauges()
}

// channelDropped notes that a job's push channel closed; fresh pushes
// are required before the fallback is disabled again.
func (t *Tracker) channelDropped(jobID string, gen uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tj, ok := t.jobs[jobID]
	if !ok || tj.gen != gen {
		return
	}
	tj.pushSeen = false
	if err != nil {
		t.log.Debug("push channel dropped", map[string]interface{}{
			"job_id": jobID,
			"error":  err.Error(),
		})
	}
}

func (t *Tracker) recordMerge(source Source, before, after models.Job) {
	if t.metrics == nil {
		return
	}
	outcome := "applied"
	if before == after {
		outcome = "stale"
	}
	t.metrics.RecordMerge(string(source), outcome)
}

func (t *Tracker) recordGauges() {
	if t.metrics == nil {
		return
	}
	t.metrics.SetTrackedJobs(len(t.jobs))
	staleCount := 0
	for _, tj := range t.jobs {
		if tj.stale {
			staleCount++
		}
	}
	t.metrics.SetStaleJobs(staleCount)
}

// WebSocketOpener adapts the API client's websocket endpoint to the
// ChannelOpener interface used in production.
type WebSocketOpener struct {
	Client  *api.Client
	Options push.Options
}

// OpenChannel dials the push endpoint for jobID
func (o *WebSocketOpener) OpenChannel(jobID string, cb push.Callbacks) PushChannel {
	return push.Open(o.Client.WebSocketURL(jobID), jobID, cb, o.Options)
}

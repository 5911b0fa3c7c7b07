package uploads

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"convtrack/pkg/models"
	"convtrack/pkg/poll"
)

// fakeBackend scripts the four backend calls the manager makes
type fakeBackend struct {
	mu            sync.Mutex
	uploadErr     error
	confirmErr    error
	analysis      *models.UploadAnalysis
	analysisErr   error
	createdJob    *models.Job
	createErr     error
	confirmedIDs  []string
	submittedReqs []*models.JobRequest
}

func (f *fakeBackend) Upload(ctx context.Context, filename string, size int64, r io.Reader, onProgress func(int)) (string, error) {
	f.mu.Lock()
	err := f.uploadErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	// Drain the body so progress reporting happens like in production
	io.Copy(io.Discard, r)
	if onProgress != nil {
		onProgress(100)
	}
	return "remote-" + filename, nil
}

func (f *fakeBackend) ConfirmUpload(ctx context.Context, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmedIDs = append(f.confirmedIDs, uploadID)
	return nil
}

func (f *fakeBackend) GetUploadAnalysis(ctx context.Context, uploadID string) (*models.UploadAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.analysisErr != nil {
		return nil, f.analysisErr
	}
	if f.analysis != nil {
		return f.analysis, nil
	}
	return &models.UploadAnalysis{Status: models.UploadStatusAnalyzing}, nil
}

func (f *fakeBackend) CreateJob(ctx context.Context, req *models.JobRequest) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.submittedReqs = append(f.submittedReqs, req)
	if f.createdJob != nil {
		return f.createdJob, nil
	}
	return &models.Job{ID: "job-new", Status: models.JobStatusPending}, nil
}

func (f *fakeBackend) setAnalysis(a *models.UploadAnalysis) {
	f.mu.Lock()
	f.analysis = a
	f.mu.Unlock()
}

func fastPoll() poll.Config {
	return poll.Config{Interval: time.Millisecond, MaxAttempts: 60}
}

func waitForStatus(t *testing.T, m *Manager, id string, want models.UploadStatus) models.PendingUpload {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if up, ok := m.Get(id); ok && up.Status == want {
			return up
		}
		time.Sleep(2 * time.Millisecond)
	}
	up, _ := m.Get(id)
	t.Fatalf("upload never reached %s, stuck at %s (error: %s)", want, up.Status, up.Error)
	return models.PendingUpload{}
}

func TestUploadLifecycleToReady(t *testing.T) {
	backend := &fakeBackend{}
	backend.setAnalysis(&models.UploadAnalysis{
		Status:   models.UploadStatusReady,
		Metadata: &models.MediaMetadata{VideoCodec: "h264", DurationSeconds: 120},
	})

	m := New(backend, fastPoll(), nil)
	id := m.Add("clip.mkv", 4, strings.NewReader("data"))

	up := waitForStatus(t, m, id, models.UploadStatusReady)
	if up.UploadProgress != 100 {
		t.Errorf("progress should reach 100 before analysis, got %d", up.UploadProgress)
	}
	if up.Metadata == nil || up.Metadata.VideoCodec != "h264" {
		t.Errorf("metadata not populated: %+v", up.Metadata)
	}
	if up.RemoteID != "remote-clip.mkv" {
		t.Errorf("remote id not recorded: %q", up.RemoteID)
	}
}

func TestUploadTransportFailure(t *testing.T) {
	backend := &fakeBackend{uploadErr: errors.New("connection reset")}
	m := New(backend, fastPoll(), nil)

	id := m.Add("clip.mkv", 4, strings.NewReader("data"))
	up := waitForStatus(t, m, id, models.UploadStatusError)
	if up.Error == "" {
		t.Error("error message should be recorded")
	}
}

func TestAnalysisErrorPropagates(t *testing.T) {
	backend := &fakeBackend{}
	backend.setAnalysis(&models.UploadAnalysis{
		Status: models.UploadStatusError,
		Error:  "unsupported container",
	})

	m := New(backend, fastPoll(), nil)
	id := m.Add("clip.avi", 4, strings.NewReader("data"))

	up := waitForStatus(t, m, id, models.UploadStatusError)
	if !strings.Contains(up.Error, "unsupported container") {
		t.Errorf("analysis error lost: %q", up.Error)
	}
}

func TestPollExhaustionBecomesError(t *testing.T) {
	backend := &fakeBackend{} // always analyzing
	m := New(backend, poll.Config{Interval: time.Millisecond, MaxAttempts: 3}, nil)

	id := m.Add("clip.mkv", 4, strings.NewReader("data"))
	up := waitForStatus(t, m, id, models.UploadStatusError)
	if !strings.Contains(up.Error, "exhausted") {
		t.Errorf("expected exhaustion error, got %q", up.Error)
	}
}

func TestSubmitReadyUpload(t *testing.T) {
	backend := &fakeBackend{}
	backend.setAnalysis(&models.UploadAnalysis{
		Status:   models.UploadStatusReady,
		Metadata: &models.MediaMetadata{VideoCodec: "h264"},
	})

	m := New(backend, fastPoll(), nil)
	id := m.Add("clip.mkv", 4, strings.NewReader("data"))
	waitForStatus(t, m, id, models.UploadStatusReady)

	job, err := m.Submit(context.Background(), id, "mp4", map[string]string{"preset": "fast"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if job.ID != "job-new" {
		t.Errorf("unexpected job: %+v", job)
	}
	if _, ok := m.Get(id); ok {
		t.Error("submitted upload must leave the pending set")
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.submittedReqs) != 1 || backend.submittedReqs[0].UploadID != "remote-clip.mkv" {
		t.Errorf("job request not built from remote id: %+v", backend.submittedReqs)
	}
}

func TestSubmitNotReady(t *testing.T) {
	backend := &fakeBackend{} // stays analyzing
	m := New(backend, fastPoll(), nil)
	id := m.Add("clip.mkv", 4, strings.NewReader("data"))

	_, err := m.Submit(context.Background(), id, "mp4", nil)
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}

	_, err = m.Submit(context.Background(), "nope", "mp4", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveSuppressesLateCallbacks(t *testing.T) {
	backend := &fakeBackend{}
	m := New(backend, poll.Config{Interval: 5 * time.Millisecond, MaxAttempts: 60}, nil)

	id := m.Add("clip.mkv", 4, strings.NewReader("data"))
	waitForStatus(t, m, id, models.UploadStatusAnalyzing)

	m.Remove(id)
	if _, ok := m.Get(id); ok {
		t.Fatal("upload still present after Remove")
	}

	// Flip the backend to ready; a surviving loop would now fire
	backend.setAnalysis(&models.UploadAnalysis{
		Status:   models.UploadStatusReady,
		Metadata: &models.MediaMetadata{VideoCodec: "h264"},
	})
	time.Sleep(30 * time.Millisecond)

	if _, ok := m.Get(id); ok {
		t.Error("late poll callback resurrected a removed upload")
	}
	if got := m.Snapshot(); len(got) != 0 {
		t.Errorf("snapshot should be empty, got %+v", got)
	}
}

// closeTracker wraps a reader and records whether Close was called
type closeTracker struct {
	io.Reader
	mu     sync.Mutex
	closed bool
}

func (c *closeTracker) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *closeTracker) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func waitForClosed(t *testing.T, c *closeTracker) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.isClosed() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("reader never closed")
}

func TestReaderClosedAfterUpload(t *testing.T) {
	backend := &fakeBackend{}
	m := New(backend, fastPoll(), nil)

	body := &closeTracker{Reader: strings.NewReader("data")}
	id := m.Add("clip.mkv", 4, body)
	waitForStatus(t, m, id, models.UploadStatusAnalyzing)
	waitForClosed(t, body)
}

func TestReaderClosedOnUploadFailure(t *testing.T) {
	backend := &fakeBackend{uploadErr: errors.New("connection reset")}
	m := New(backend, fastPoll(), nil)

	body := &closeTracker{Reader: strings.NewReader("data")}
	id := m.Add("clip.mkv", 4, body)
	waitForStatus(t, m, id, models.UploadStatusError)
	waitForClosed(t, body)
}

// gaugeRecorder captures the pending-set gauge values
type gaugeRecorder struct {
	mu     sync.Mutex
	values []int
}

func (g *gaugeRecorder) SetActiveUploads(n int) {
	g.mu.Lock()
	g.values = append(g.values, n)
	g.mu.Unlock()
}

func (g *gaugeRecorder) last() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.values) == 0 {
		return -1
	}
	return g.values[len(g.values)-1]
}

func TestActiveUploadsGaugeTracksPendingSet(t *testing.T) {
	backend := &fakeBackend{}
	m := New(backend, fastPoll(), nil)
	rec := &gaugeRecorder{}
	m.SetMetricsRecorder(rec)

	a := m.Add("a.mkv", 1, strings.NewReader("x"))
	if rec.last() != 1 {
		t.Errorf("gauge after first add: %d, want 1", rec.last())
	}

	m.Add("b.mkv", 1, strings.NewReader("x"))
	if rec.last() != 2 {
		t.Errorf("gauge after second add: %d, want 2", rec.last())
	}

	m.Remove(a)
	if rec.last() != 1 {
		t.Errorf("gauge after remove: %d, want 1", rec.last())
	}
}

func TestSnapshotOrderIsCreationOrder(t *testing.T) {
	backend := &fakeBackend{}
	m := New(backend, fastPoll(), nil)

	a := m.Add("a.mkv", 1, strings.NewReader("x"))
	b := m.Add("b.mkv", 1, strings.NewReader("x"))
	c := m.Add("c.mkv", 1, strings.NewReader("x"))

	snap := m.Snapshot()
	if len(snap) != 3 || snap[0].ID != a || snap[1].ID != b || snap[2].ID != c {
		t.Fatalf("snapshot order wrong: %+v", snap)
	}

	m.Remove(b)
	snap = m.Snapshot()
	if len(snap) != 2 || snap[0].ID != a || snap[1].ID != c {
		t.Errorf("order broken after remove: %+v", snap)
	}
}

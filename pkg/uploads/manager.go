// Package uploads owns the client-side set of pending uploads: files
// moving through uploading, server-side analysis and readiness before
// they can be submitted as conversion jobs.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"convtrack/pkg/logging"
	"convtrack/pkg/models"
	"convtrack/pkg/poll"
)

var (
	// ErrNotFound is returned for unknown pending-upload ids
	ErrNotFound = errors.New("pending upload not found")
	// ErrNotReady is returned when submitting an upload whose analysis
	// has not finished.
	ErrNotReady = errors.New("pending upload not ready")
)

// BackendClient is the slice of the API client the manager needs
type BackendClient interface {
	Upload(ctx context.Context, filename string, size int64, r io.Reader, onProgress func(int)) (string, error)
	ConfirmUpload(ctx context.Context, uploadID string) error
	GetUploadAnalysis(ctx context.Context, uploadID string) (*models.UploadAnalysis, error)
	CreateJob(ctx context.Context, req *models.JobRequest) (*models.Job, error)
}

// MetricsRecorder receives the size of the pending set as it changes
type MetricsRecorder interface {
	SetActiveUploads(n int)
}

type entry struct {
	upload models.PendingUpload
	cancel context.CancelFunc
}

// Manager tracks pending uploads by client-generated id. Each upload
// runs its own pipeline; one upload failing never touches the others.
type Manager struct {
	api    BackendClient
	poller *poll.Poller
	log    *logging.Logger

	mu      sync.RWMutex
	uploads map[string]*entry
	order   []string
	metrics MetricsRecorder
}

// New creates a manager. pollConfig bounds the readiness poll that runs
// after an upload is confirmed.
func New(api BackendClient, pollConfig poll.Config, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	m := &Manager{
		api:     api,
		log:     log,
		uploads: make(map[string]*entry),
	}
	m.poller = poll.New(m.fetchAnalysis, pollConfig, log)
	return m
}

// SetMetricsRecorder attaches a metrics sink for the pending-set gauge
func (m *Manager) SetMetricsRecorder(rec MetricsRecorder) {
	m.mu.Lock()
	m.metrics = rec
	m.mu.Unlock()
}

// recordGauge reports the pending-set size; callers hold m.mu
func (m *Manager) recordGauge() {
	if m.metrics != nil {
		m.metrics.SetActiveUploads(len(m.order))
	}
}

// Add registers a new pending upload from a reader and starts its
// pipeline: upload with progress, confirm, then the readiness poll. The
// returned id is client-generated and distinct from any job id.
func (m *Manager) Add(filename string, size int64, r io.Reader) string {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.uploads[id] = &entry{
		upload: models.PendingUpload{
			ID:        id,
			Filename:  filepath.Base(filename),
			Size:      size,
			Status:    models.UploadStatusUploading,
			CreatedAt: time.Now(),
		},
		cancel: cancel,
	}
	m.order = append(m.order, id)
	m.recordGauge()
	m.mu.Unlock()

	go m.run(ctx, id, filename, size, r)
	return id
}

// AddFile registers a pending upload for a file on disk. The file is
// closed once the upload finishes, succeeds or not.
func (m *Manager) AddFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return m.Add(path, info.Size(), f), nil
}

// Remove destroys a pending upload: its upload and poll loops are
// cancelled and callbacks already in flight become no-ops.
func (m *Manager) Remove(id string) {
	m.poller.Stop(id)

	m.mu.Lock()
	e, ok := m.uploads[id]
	if ok {
		delete(m.uploads, id)
		for i, oid := range m.order {
			if oid == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		m.recordGauge()
	}
	m.mu.Unlock()

	if ok {
		e.cancel()
	}
}

// Get returns a copy of one pending upload
func (m *Manager) Get(id string) (models.PendingUpload, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.uploads[id]
	if !ok {
		return models.PendingUpload{}, false
	}
	return e.upload, true
}

// Snapshot returns the pending uploads in creation order
func (m *Manager) Snapshot() []models.PendingUpload {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PendingUpload, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.uploads[id].upload)
	}
	return out
}

// Submit turns a ready pending upload into a conversion job and removes
// it from the pending set.
func (m *Manager) Submit(ctx context.Context, id, format string, options map[string]string) (*models.Job, error) {
	m.mu.RLock()
	e, ok := m.uploads[id]
	var remoteID string
	var status models.UploadStatus
	if ok {
		remoteID = e.upload.RemoteID
		status = e.upload.Status
	}
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if status != models.UploadStatusReady {
		return nil, fmt.Errorf("upload %s in state %s: %w", id, status, ErrNotReady)
	}

	job, err := m.api.CreateJob(ctx, &models.JobRequest{
		UploadID: remoteID,
		Format:   format,
		Options:  options,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit upload %s: %w", id, err)
	}

	m.Remove(id)
	return job, nil
}

// run is the per-upload pipeline
func (m *Manager) run(ctx context.Context, id, filename string, size int64, r io.Reader) {
	// The body is done once the upload phase ends, on every path:
	// success, transport error or cancellation.
	if closer, ok := r.(io.Closer); ok {
		defer closer.Close()
	}

	log := m.log.WithField("upload_id", id)

	remoteID, err := m.api.Upload(ctx, filepath.Base(filename), size, r, func(pct int) {
		m.setProgress(id, pct)
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Warn("upload failed", map[string]interface{}{"error": err.Error()})
		m.setError(id, err)
		return
	}

	if err := m.api.ConfirmUpload(ctx, remoteID); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("upload confirm failed", map[string]interface{}{"error": err.Error()})
		m.setError(id, err)
		return
	}

	m.setAnalyzing(id, remoteID)

	m.poller.Start(ctx, id,
		func(meta *models.MediaMetadata) { m.setReady(id, meta) },
		func(err error) { m.setError(id, err) },
	)
}

// fetchAnalysis resolves the client id to the server-side upload id and
// fetches its analysis status.
func (m *Manager) fetchAnalysis(ctx context.Context, id string) (*models.UploadAnalysis, error) {
	m.mu.RLock()
	e, ok := m.uploads[id]
	var remoteID string
	if ok {
		remoteID = e.upload.RemoteID
	}
	m.mu.RUnlock()

	if !ok || remoteID == "" {
		return nil, ErrNotFound
	}
	return m.api.GetUploadAnalysis(ctx, remoteID)
}

func (m *Manager) setProgress(id string, pct int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.uploads[id]; ok && e.upload.Status == models.UploadStatusUploading {
		e.upload.UploadProgress = pct
	}
}

func (m *Manager) setAnalyzing(id, remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.uploads[id]; ok {
		e.upload.Status = models.UploadStatusAnalyzing
		e.upload.UploadProgress = 100
		e.upload.RemoteID = remoteID
	}
}

func (m *Manager) setReady(id string, meta *models.MediaMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.uploads[id]; ok {
		e.upload.Status = models.UploadStatusReady
		e.upload.Metadata = meta
	}
}

func (m *Manager) setError(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.uploads[id]; ok {
		e.upload.Status = models.UploadStatusError
		e.upload.Error = err.Error()
	}
}

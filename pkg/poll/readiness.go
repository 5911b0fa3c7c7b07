// Package poll drives the bounded readiness poll of a pending upload's
// server-side analysis: fixed interval, hard attempt ceiling, at most
// one active loop per upload id.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"convtrack/pkg/logging"
	"convtrack/pkg/models"
)

// ErrExhausted is reported when the attempt budget runs out before the
// analysis reaches a terminal answer.
var ErrExhausted = errors.New("analysis poll budget exhausted")

// FetchFunc fetches the analysis status of one pending upload
type FetchFunc func(ctx context.Context, uploadID string) (*models.UploadAnalysis, error)

// Config bounds the poll loop
type Config struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultConfig polls every five seconds for sixty attempts, a
// five-minute ceiling.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		MaxAttempts: 60,
	}
}

// loopRef is one registered poll loop. The token ties a loop to its own
// registration so a dying loop can never deregister a successor that was
// started for the same id after a Stop.
type loopRef struct {
	cancel context.CancelFunc
	token  uint64
}

// Poller runs at most one poll loop per pending-upload id
type Poller struct {
	fetch  FetchFunc
	config Config
	log    *logging.Logger

	mu        sync.Mutex
	active    map[string]loopRef
	nextToken uint64
}

// New creates a poller
func New(fetch FetchFunc, config Config, log *logging.Logger) *Poller {
	if log == nil {
		log = logging.Discard()
	}
	return &Poller{
		fetch:  fetch,
		config: config,
		log:    log,
		active: make(map[string]loopRef),
	}
}

// Start begins polling uploadID. If a loop is already active for that id
// the call is a no-op and returns false. onReady fires exactly once with
// the analysis metadata; onError fires once on transport failure, an
// error answer from the backend, or budget exhaustion. Neither callback
// fires after Stop.
func (p *Poller) Start(ctx context.Context, uploadID string, onReady func(*models.MediaMetadata), onError func(error)) bool {
	p.mu.Lock()
	if _, running := p.active[uploadID]; running {
		p.mu.Unlock()
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.nextToken++
	token := p.nextToken
	p.active[uploadID] = loopRef{cancel: cancel, token: token}
	p.mu.Unlock()

	go p.run(loopCtx, uploadID, token, onReady, onError)
	return true
}

// Stop cancels the active loop for uploadID, if any
func (p *Poller) Stop(uploadID string) {
	p.mu.Lock()
	ref, ok := p.active[uploadID]
	if ok {
		delete(p.active, uploadID)
	}
	p.mu.Unlock()
	if ok {
		ref.cancel()
	}
}

// deregister removes a loop's own registration. A loop that was already
// stopped and replaced leaves the successor's entry alone.
func (p *Poller) deregister(uploadID string, token uint64) {
	p.mu.Lock()
	ref, ok := p.active[uploadID]
	mine := ok && ref.token == token
	if mine {
		delete(p.active, uploadID)
	}
	p.mu.Unlock()
	if mine {
		ref.cancel()
	}
}

// Active reports whether a loop is running for uploadID
func (p *Poller) Active(uploadID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[uploadID]
	return ok
}

func (p *Poller) run(ctx context.Context, uploadID string, token uint64, onReady func(*models.MediaMetadata), onError func(error)) {
	defer p.deregister(uploadID, token)

	log := p.log.WithField("upload_id", uploadID)

	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		analysis, err := p.fetch(ctx, uploadID)
		if ctx.Err() != nil {
			// Cancelled; the owner is gone, report nothing
			return
		}
		if err != nil {
			// Transport failures stop the loop immediately rather than
			// burning the remaining budget against a dead endpoint
			log.Warn("analysis poll failed", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			onError(err)
			return
		}

		switch analysis.Status {
		case models.UploadStatusReady:
			if analysis.Metadata != nil {
				onReady(analysis.Metadata)
				return
			}
			// Ready without metadata is a half-written answer; poll again
			log.Debug("ready answer missing metadata, polling again", map[string]interface{}{
				"attempt": attempt,
			})
		case models.UploadStatusError:
			onError(fmt.Errorf("analysis failed: %s", analysis.Error))
			return
		}

		if attempt == p.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.config.Interval):
		}
	}

	log.Warn("analysis poll exhausted", map[string]interface{}{
		"attempts": p.config.MaxAttempts,
	})
	onError(ErrExhausted)
}

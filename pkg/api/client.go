// Package api is the REST boundary to the conversion backend. It covers
// the one-shot job snapshot fetch, the job list, job creation and
// cancellation, the two-phase upload flow and the auth config fetch.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"convtrack/pkg/models"
)

var (
	// ErrNotFound is returned when the backend has no record for an id
	ErrNotFound = errors.New("not found")
)

// Client talks to the conversion backend
type Client struct {
	baseURL string
	apiKey  string
	http    *resty.Client
}

// NewClient creates a backend client for baseURL
func NewClient(baseURL, apiKey string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}

	c.http = resty.New().
		SetBaseURL(c.baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil {
				return false
			}
			// Retry on 429 and transient 5xx only; a failed snapshot is
			// surfaced to the caller as staleness, not retried forever
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	if apiKey != "" {
		c.http.SetAuthToken(apiKey)
	}

	return c
}

// SetTimeout overrides the request timeout
func (c *Client) SetTimeout(d time.Duration) {
	c.http.SetTimeout(d)
}

// GetJob performs a one-shot snapshot fetch of a job's full state
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&job).
		Get(fmt.Sprintf("/jobs/%s", url.PathEscape(jobID)))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job %s: %w", jobID, err)
	}
	if resp.StatusCode() == 404 {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("job fetch failed with status %d: %s", resp.StatusCode(), resp.String())
	}
	return &job, nil
}

// ListJobs returns the viewer's jobs in backend order
func (c *Client) ListJobs(ctx context.Context) ([]*models.Job, error) {
	var list models.JobList
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&list).
		Get("/jobs")
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("job list failed with status %d: %s", resp.StatusCode(), resp.String())
	}
	return list.Jobs, nil
}

// CreateJob submits a ready upload for conversion and returns the new job
func (c *Client) CreateJob(ctx context.Context, req *models.JobRequest) (*models.Job, error) {
	var job models.Job
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&job).
		Post("/jobs")
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("job create failed with status %d: %s", resp.StatusCode(), resp.String())
	}
	return &job, nil
}

// CancelJob requests cancellation of a non-terminal job
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post(fmt.Sprintf("/jobs/%s/cancel", url.PathEscape(jobID)))
	if err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}
	if resp.StatusCode() == 404 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if resp.IsError() {
		return fmt.Errorf("job cancel failed with status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// uploadResponse is the backend's answer to the first upload phase
type uploadResponse struct {
	UploadID string `json:"upload_id"`
}

// Upload streams a file to the backend and returns the server-side
// pending-upload id. onProgress, if set, receives 0-100 as bytes go out.
func (c *Client) Upload(ctx context.Context, filename string, size int64, r io.Reader, onProgress func(int)) (string, error) {
	body := r
	if onProgress != nil && size > 0 {
		body = &progressReader{r: r, total: size, report: onProgress}
	}

	var result uploadResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("file", filename, body).
		SetResult(&result).
		Post("/uploads")
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", filename, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("upload failed with status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.UploadID == "" {
		return "", fmt.Errorf("upload response missing upload_id")
	}
	return result.UploadID, nil
}

// ConfirmUpload completes the second phase of a two-phase upload,
// kicking off server-side analysis.
func (c *Client) ConfirmUpload(ctx context.Context, uploadID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post(fmt.Sprintf("/uploads/%s/complete", url.PathEscape(uploadID)))
	if err != nil {
		return fmt.Errorf("failed to confirm upload %s: %w", uploadID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("upload confirm failed with status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// GetUploadAnalysis fetches the analysis status of a pending upload
func (c *Client) GetUploadAnalysis(ctx context.Context, uploadID string) (*models.UploadAnalysis, error) {
	var analysis models.UploadAnalysis
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&analysis).
		Get(fmt.Sprintf("/uploads/%s/metadata", url.PathEscape(uploadID)))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch upload analysis %s: %w", uploadID, err)
	}
	if resp.StatusCode() == 404 {
		return nil, fmt.Errorf("upload %s: %w", uploadID, ErrNotFound)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("upload analysis failed with status %d: %s", resp.StatusCode(), resp.String())
	}
	return &analysis, nil
}

// GetAuthConfig fetches the remote auth-requirement flag
func (c *Client) GetAuthConfig(ctx context.Context) (*models.AuthConfig, error) {
	var cfg models.AuthConfig
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&cfg).
		Get("/auth/config")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch auth config: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("auth config failed with status %d: %s", resp.StatusCode(), resp.String())
	}
	return &cfg, nil
}

// WebSocketURL returns the push-channel endpoint for a job id
func (c *Client) WebSocketURL(jobID string) string {
	ws := c.baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return fmt.Sprintf("%s/ws/jobs/%s", ws, url.PathEscape(jobID))
}

// progressReader reports cumulative read percentage as the request body
// is consumed.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		pct := int(p.read * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		if pct != p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}

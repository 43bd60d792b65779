package pepseeksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Pepseek HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// StageStatus is one stage's progress.
type StageStatus struct {
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	FinishedAt string `json:"finished_at,omitempty"`
	Output     string `json:"output,omitempty"`
}

// Status is a point-in-time view of a workspace.
type Status struct {
	Project   string         `json:"project"`
	Samples   int            `json:"samples"`
	Terminal  int            `json:"terminal"`
	Statuses  map[string]int `json:"statuses"`
	Stages    []StageStatus  `json:"stages"`
	LatestRun *Run           `json:"latest_run,omitempty"`
}

// Sample is one sample's extraction outcome.
type Sample struct {
	Sample        string `json:"sample"`
	Status        string `json:"status"`
	ReadsAssigned int    `json:"reads_assigned"`
	Extracted     int    `json:"extracted"`
	FinishedAt    string `json:"finished_at,omitempty"`
	Output        string `json:"output,omitempty"`
	Duration      string `json:"duration,omitempty"`
}

// Run is one pipeline invocation from the ledger.
type Run struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Mode       string `json:"mode"`
	Status     string `json:"status"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RunDetail is a run with its event trail.
type RunDetail struct {
	Run    Run     `json:"run"`
	Events []Event `json:"events"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id,omitempty"`
	Stage   string         `json:"stage,omitempty"`
	Sample  string         `json:"sample,omitempty"`
	Payload map[string]any `json:"payload"`
}

// Stats is the candidate discovery report.
type Stats struct {
	MatchedTargets    []string `json:"matched_targets"`
	OriginallyMatched []string `json:"originally_matched"`
	NewlyDiscovered   []string `json:"newly_discovered"`
	FramesCovered     int      `json:"frames_covered"`
	TotalFrames       int      `json:"total_frames"`
	PerfectHits       int      `json:"perfect_hits"`
	HighIdentityHits  int      `json:"high_identity_hits"`
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
	Source  string   `json:"source"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Health checks the API is up. It needs no credentials.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

// Status returns the workspace status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// Samples returns every sample's extraction outcome.
func (c *Client) Samples(ctx context.Context) ([]Sample, error) {
	var resp []Sample
	err := c.do(ctx, http.MethodGet, "v0/samples", nil, &resp)
	return resp, err
}

// Sample returns one sample's extraction outcome.
func (c *Client) Sample(ctx context.Context, id string) (Sample, error) {
	var resp Sample
	err := c.do(ctx, http.MethodGet, "v0/samples/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Runs lists runs, newest first.
func (c *Client) Runs(ctx context.Context, limit int) ([]Run, error) {
	endpoint := "v0/runs"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Run
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Run fetches one run with its events.
func (c *Client) Run(ctx context.Context, id string) (RunDetail, error) {
	var resp RunDetail
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Stats returns the candidate discovery statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "v0/stats", nil, &resp)
	return resp, err
}

// Me returns the authenticated principal.
func (c *Client) Me(ctx context.Context) (Principal, error) {
	var resp Principal
	err := c.do(ctx, http.MethodGet, "v0/me", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

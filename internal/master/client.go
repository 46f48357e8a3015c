package master

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNodeUnknown is returned by ActiveSession when the Master does not know
// this node id. The poller backs off while unknown.
var ErrNodeUnknown = errors.New("node unknown to master")

// Client talks to the Master's coordination API. All calls are bounded by
// the client timeouts; audio posts use a much shorter timeout than
// coordination calls so a slow Master cannot stall the sender loop.
type Client struct {
	baseURL string
	nodeID  string
	apiKey  string

	client      *http.Client
	audioClient *http.Client
}

// ClientConfig configures the Master client.
type ClientConfig struct {
	BaseURL      string
	NodeID       string
	APIKey       string
	Timeout      time.Duration // coordination calls, default 10s
	AudioTimeout time.Duration // audio frame posts, default 1s
}

// NewClient creates a Master client.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("client config must not be nil")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("master base URL must not be empty")
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node id must not be empty")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	audioTimeout := cfg.AudioTimeout
	if audioTimeout == 0 {
		audioTimeout = time.Second
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		nodeID:      cfg.NodeID,
		apiKey:      cfg.APIKey,
		client:      &http.Client{Timeout: timeout},
		audioClient: &http.Client{Timeout: audioTimeout},
	}, nil
}

// Register registers the node identity with the Master and returns the
// opaque node record id.
func (c *Client) Register(ctx context.Context, req *RegisterRequest) (string, error) {
	var resp RegisterResponse
	if err := c.postJSON(ctx, c.client, "/api/lab-node/register", req, &resp); err != nil {
		return "", fmt.Errorf("register: %w", err)
	}
	return resp.NodeRecordID, nil
}

// Heartbeat posts a liveness report and returns the Master's response,
// which may carry a new session assignment.
func (c *Client) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	var resp HeartbeatResponse
	if err := c.postJSON(ctx, c.client, "/api/lab-node/heartbeat", req, &resp); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return &resp, nil
}

// NotifySessionEnd tells the Master a session ended on this node. Callers
// treat failures as best-effort: the local state transition never depends on
// this call succeeding.
func (c *Client) NotifySessionEnd(ctx context.Context, sessionKey string) error {
	req := &SessionEndRequest{ID: c.nodeID, SessionKey: sessionKey}
	if err := c.postJSON(ctx, c.client, "/api/lab-node/session-end", req, nil); err != nil {
		return fmt.Errorf("session-end notify: %w", err)
	}
	return nil
}

// PostAudioFrame sends one captured audio frame to the Master's ingest
// endpoint. Audio is best-effort; the caller drops the frame on error.
func (c *Client) PostAudioFrame(ctx context.Context, req *AudioFrameRequest) error {
	if err := c.postJSON(ctx, c.audioClient, "/api/audio/stream", req, nil); err != nil {
		return fmt.Errorf("audio frame: %w", err)
	}
	return nil
}

// ActiveSession asks the Master what session should be running on this
// node. Returns ErrNodeUnknown when the Master does not know the node id.
func (c *Client) ActiveSession(ctx context.Context) (*ActiveSessionResponse, error) {
	url := fmt.Sprintf("%s/api/lab-node/%s/active-session", c.baseURL, c.nodeID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("active-session: create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("active-session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNodeUnknown
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("active-session: HTTP %d", resp.StatusCode)
	}

	var result ActiveSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("active-session: decode response: %w", err)
	}

	return &result, nil
}

// postJSON posts a JSON body and decodes the response into out when out is
// non-nil. Non-2xx statuses are errors.
func (c *Client) postJSON(ctx context.Context, client *http.Client, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Lab-Node-Id", c.nodeID)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

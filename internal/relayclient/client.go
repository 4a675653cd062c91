// Package relayclient is a typed HTTP client for the relay's monitoring
// API, used by the CLI and usable from automation.
package relayclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

// ErrNotFound reports a room the relay does not know.
var ErrNotFound = errors.New("relayclient: not found")

// ErrUnauthorized reports a missing or wrong monitor token.
var ErrUnauthorized = errors.New("relayclient: unauthorized")

// Client talks to one relay's monitoring surface.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a client for the relay at baseURL. The token may be empty when
// the relay's API is open.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Health is the /health payload.
type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Status is the /api/status payload.
type Status struct {
	UptimeSeconds  int `json:"uptime_seconds"`
	RoomsLive      int `json:"rooms_live"`
	RoomsPersisted int `json:"rooms_persisted"`
	Connections    int `json:"connections"`
	MaxRooms       int `json:"max_rooms"`
}

// RoomInfo is one element of the /api/rooms listing.
type RoomInfo struct {
	Name      string `json:"name"`
	Resident  bool   `json:"resident"`
	Conns     int    `json:"conns"`
	LogLength int    `json:"log_length"`
}

// DocStats mirrors the relay's per-room document counters.
type DocStats struct {
	Items      int `json:"items"`
	Entries    int `json:"entries"`
	Tombstones int `json:"tombstones"`
}

// RoomDetail is the /api/rooms/:name payload.
type RoomDetail struct {
	Name      string    `json:"name"`
	Resident  bool      `json:"resident"`
	Conns     int       `json:"conns"`
	LogLength int       `json:"log_length"`
	Doc       *DocStats `json:"doc,omitempty"`
}

// CompactionResult is the compact endpoint's report.
type CompactionResult struct {
	Room       string `json:"room"`
	Tombstones int    `json:"tombstones_purged"`
	Orphans    int    `json:"orphans_purged"`
	Aliases    int    `json:"aliases_purged"`
	Buckets    int    `json:"buckets_pruned"`
	LogBefore  int    `json:"log_before"`
	LogAfter   int    `json:"log_after"`
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.get(ctx, "/api/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Rooms(ctx context.Context) ([]RoomInfo, error) {
	var out struct {
		Rooms []RoomInfo `json:"rooms"`
	}
	if err := c.get(ctx, "/api/rooms", &out); err != nil {
		return nil, err
	}
	return out.Rooms, nil
}

func (c *Client) Room(ctx context.Context, name string) (*RoomDetail, error) {
	var out RoomDetail
	if err := c.get(ctx, "/api/rooms/"+name, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Compact(ctx context.Context, name string) (*CompactionResult, error) {
	var out CompactionResult
	if err := c.do(ctx, http.MethodPost, "/api/rooms/"+name+"/compact", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRaw fetches any path and returns the body verbatim. Escape hatch for
// endpoints without a typed wrapper, such as /metrics.
func (c *Client) GetRaw(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", err
	}
	c.auth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return errors.Wrap(sonic.Unmarshal(raw, out), "decode response")
}

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode >= 400:
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

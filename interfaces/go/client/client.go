// Package client is a small Go client for the image-socket control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client { return &Client{BaseURL: baseURL, HTTP: http.DefaultClient} }

// APIError is the error body returned by the server.
type APIError struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

type Status struct {
	State         string `json:"state"`
	Connection    string `json:"connection"`
	Port          int    `json:"port"`
	ActiveClient  int32  `json:"activeClient"`
	ActiveAlias   string `json:"activeAlias"`
	ConfiguredFps int    `json:"configuredFps"`
	Quality       int    `json:"quality"`
}

type ClientInfo struct {
	ID            int32     `json:"id"`
	Alias         string    `json:"alias"`
	Addr          string    `json:"addr"`
	Status        string    `json:"status"`
	ConfiguredFps int       `json:"configuredFps"`
	MeasuredFps   int       `json:"measuredFps"`
	FramesTotal   uint64    `json:"framesTotal"`
	ConnectedAt   time.Time `json:"connectedAt"`
}

type Diagnostic struct {
	ID             string            `json:"id"`
	Signature      string            `json:"signature"`
	Code           string            `json:"code"`
	Message        string            `json:"message"`
	Severity       string            `json:"severity"`
	Source         string            `json:"source"`
	FirstTimestamp time.Time         `json:"firstTimestamp"`
	LastTimestamp  time.Time         `json:"lastTimestamp"`
	Count          int               `json:"count"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Suppressed     bool              `json:"suppressed"`
}

type DiagnosticStats struct {
	Burst   bool   `json:"burst"`
	Buckets int    `json:"buckets"`
	Dropped uint64 `json:"dropped"`
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var out struct {
		Status Status `json:"status"`
	}
	err := c.do(ctx, http.MethodGet, "/api/server", nil, &out)
	return out.Status, err
}

// Start starts the stream server and returns the bound port.
func (c *Client) Start(ctx context.Context) (int, error) {
	var out struct {
		Port int `json:"port"`
	}
	err := c.do(ctx, http.MethodPost, "/api/server/start", nil, &out)
	return out.Port, err
}

func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/server/stop", nil, nil)
}

func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/server/reset", nil, nil)
}

func (c *Client) SetFps(ctx context.Context, fps int) error {
	return c.do(ctx, http.MethodPost, "/api/fps", map[string]int{"fps": fps}, nil)
}

func (c *Client) SetQuality(ctx context.Context, quality int) error {
	return c.do(ctx, http.MethodPost, "/api/quality", map[string]int{"quality": quality}, nil)
}

// SetActive selects the viewed client; 0 clears the selection.
func (c *Client) SetActive(ctx context.Context, id int32) error {
	return c.do(ctx, http.MethodPost, "/api/active", map[string]int32{"id": id}, nil)
}

func (c *Client) Clients(ctx context.Context) ([]ClientInfo, error) {
	var out struct {
		Items []ClientInfo `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "/api/clients", nil, &out)
	return out.Items, err
}

func (c *Client) Diagnostics(ctx context.Context, limit, offset int) ([]Diagnostic, int, DiagnosticStats, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var out struct {
		Items []Diagnostic    `json:"items"`
		Total int             `json:"total"`
		Stats DiagnosticStats `json:"stats"`
	}
	err := c.do(ctx, http.MethodGet, "/api/diagnostics?"+q.Encode(), nil, &out)
	return out.Items, out.Total, out.Stats, err
}

func (c *Client) PostError(ctx context.Context, code, message, severity, source string, metadata map[string]string) error {
	in := map[string]any{"code": code, "message": message, "severity": severity, "source": source}
	if len(metadata) > 0 {
		in["metadata"] = metadata
	}
	return c.do(ctx, http.MethodPost, "/api/diagnostics", in, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var eb struct {
			Error APIError `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		eb.Error.Status = resp.StatusCode
		if eb.Error.Code == "" {
			eb.Error.Code = http.StatusText(resp.StatusCode)
		}
		return &eb.Error
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

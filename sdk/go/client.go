package karyasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Client is a minimal Karya HTTP API client. Box endpoints authenticate with
// a token signed by the box's key; admin endpoints use BearerToken directly.
type Client struct {
	BaseURL     string
	BasePath    string
	BoxID       string
	BoxKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  30 * time.Second,
	}
}

// NewBox creates a client acting as a registered box.
func NewBox(baseURL, boxID, boxKey string) *Client {
	c := New(baseURL)
	c.BoxID = boxID
	c.BoxKey = boxKey
	return c
}

// TableUpdates is one sync bucket: all changed rows of one table, in apply order.
type TableUpdates struct {
	TableName string           `json:"tableName"`
	Rows      []map[string]any `json:"rows"`
}

// RowResult reports the outcome of applying one pushed row.
type RowResult struct {
	TableName string `json:"tableName"`
	ID        string `json:"id"`
	Applied   bool   `json:"applied"`
	Error     string `json:"error,omitempty"`
}

// Box is the registration result; Key is only returned once.
type Box struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Key  string `json:"key"`
}

// Checkin is the box heartbeat response.
type Checkin struct {
	BoxID      string `json:"box_id"`
	ServerTime string `json:"server_time"`
}

// File is the server-side record of an uploaded file.
type File struct {
	ID            string  `json:"id"`
	ContainerName string  `json:"container_name"`
	Name          string  `json:"name"`
	Checksum      string  `json:"checksum"`
	Algorithm     string  `json:"algorithm"`
	InServer      bool    `json:"in_server"`
	URL           *string `json:"url,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// Register exchanges a creation code for the box's id and key. The key is
// stored on the client for subsequent calls.
func (c *Client) Register(ctx context.Context, creationCode, name, boxURL string) (Box, error) {
	body := map[string]any{
		"creation_code": creationCode,
		"name":          name,
		"url":           boxURL,
	}
	var resp Box
	if err := c.do(ctx, http.MethodPost, "/box/register", body, &resp); err != nil {
		return Box{}, err
	}
	c.BoxID = resp.ID
	c.BoxKey = resp.Key
	return resp, nil
}

// PullUpdates fetches all server-side rows changed strictly after from.
// An empty from pulls everything.
func (c *Client) PullUpdates(ctx context.Context, from string) ([]TableUpdates, error) {
	endpoint := "/box/updates"
	if from != "" {
		endpoint += "?from=" + url.QueryEscape(from)
	}
	var resp []TableUpdates
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// PushUpdates submits box-side row changes and returns per-row results.
func (c *Client) PushUpdates(ctx context.Context, updates []TableUpdates) ([]RowResult, error) {
	var resp []RowResult
	err := c.do(ctx, http.MethodPost, "/box/updates", updates, &resp)
	return resp, err
}

// CheckIn reports liveness and returns the server clock, which boxes use to
// bound their next pull window.
func (c *Client) CheckIn(ctx context.Context) (Checkin, error) {
	var resp Checkin
	err := c.do(ctx, http.MethodPut, "/box/checkin", nil, &resp)
	return resp, err
}

// UploadFile streams a local file as the content of an already-synced
// karya_file row. The server verifies the recorded checksum.
func (c *Client) UploadFile(ctx context.Context, fileID, localPath string) (File, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return File{}, err
	}
	defer f.Close()
	req, err := c.newRequest(ctx, http.MethodPost, "/box/files/"+url.PathEscape(fileID), f)
	if err != nil {
		return File{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	var resp File
	err = c.send(req, &resp)
	return resp, err
}

// GetFile fetches a karya file record. For files present on the server the
// URL field carries a short-lived signed download link.
func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	var resp File
	err := c.do(ctx, http.MethodGet, "/box/files/"+url.PathEscape(fileID), nil, &resp)
	return resp, err
}

// Assignment is a server-minted microtask assignment.
type Assignment struct {
	ID          string  `json:"id"`
	MicrotaskID string  `json:"microtask_id"`
	WorkerID    string  `json:"worker_id"`
	Deadline    *string `json:"deadline,omitempty"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
}

// RequestAssignments asks the server to mint new microtask assignments for a
// worker, bounded by a credit budget and batch size (zero means no bound and
// the server default, respectively).
func (c *Client) RequestAssignments(ctx context.Context, workerID string, maxCredits float64, batchSize int) ([]Assignment, error) {
	body := map[string]any{}
	if maxCredits > 0 {
		body["max_credits"] = maxCredits
	}
	if batchSize > 0 {
		body["batch_size"] = batchSize
	}
	var resp []Assignment
	endpoint := "/box/workers/" + url.PathEscape(workerID) + "/assignments"
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ReassignExpired asks the server to return microtasks the given worker
// completed just after their assignments expired.
func (c *Client) ReassignExpired(ctx context.Context, workerID string) (int, error) {
	var resp struct {
		Reassigned int `json:"reassigned"`
	}
	endpoint := "/box/workers/" + url.PathEscape(workerID) + "/reassignments"
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Reassigned, err
}

func (c *Client) token() (string, error) {
	if c.BearerToken != "" {
		return c.BearerToken, nil
	}
	if c.BoxID == "" || c.BoxKey == "" {
		return "", fmt.Errorf("client has no bearer token and no box credentials")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   c.BoxID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.BoxKey))
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+c.BasePath+endpoint, body)
	if err != nil {
		return nil, err
	}
	if endpoint != "/box/register" {
		token, err := c.token()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := c.newRequest(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var env struct {
			Error APIError `json:"error"`
		}
		if json.Unmarshal(data, &env) == nil && env.Error.Message != "" {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		} else {
			apiErr.Message = string(data)
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

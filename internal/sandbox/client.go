// Package sandbox is the HTTP client for the remote session, file and
// terminal operations of the lab sandbox API.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redmage123/course-creator-sub015/internal/domain"
)

// LearnerHeader carries the learner identity on every request.
const LearnerHeader = "X-Lab-Learner-ID"

const defaultTimeout = 30 * time.Second

// Client talks to the sandbox API.
type Client struct {
	baseURL   string
	learnerID string
	token     string
	http      *http.Client
}

// NewWithBaseURL creates a client for baseURL acting as learnerID.
func NewWithBaseURL(baseURL, learnerID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		learnerID: learnerID,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetToken sets an optional bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.token = strings.TrimSpace(token)
}

// Header returns the identity headers used for websocket dials.
func (c *Client) Header() http.Header {
	h := http.Header{}
	if c.learnerID != "" {
		h.Set(LearnerHeader, c.learnerID)
	}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// StatusURL returns the websocket URL of the status channel for sessionID.
func (c *Client) StatusURL(sessionID string) string {
	return websocketBase(c.baseURL) + "/ws/sessions/" + url.PathEscape(sessionID)
}

// AssistantURL returns the websocket URL of the assistant channel.
func (c *Client) AssistantURL() string {
	return websocketBase(c.baseURL) + "/ws/assistant"
}

func websocketBase(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// LookupSession returns the learner's active session for exerciseID, or nil
// when none exists.
func (c *Client) LookupSession(ctx context.Context, exerciseID string) (*domain.Session, error) {
	var session domain.Session
	path := "/api/sessions?exercise_id=" + url.QueryEscape(exerciseID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &session); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// StartSession starts a session, or returns the existing active one.
func (c *Client) StartSession(ctx context.Context, req StartSessionRequest) (*domain.Session, error) {
	if strings.TrimSpace(req.ExerciseID) == "" {
		return nil, errors.New("exercise id is required")
	}
	var session domain.Session
	if err := c.doJSON(ctx, http.MethodPost, "/api/sessions/start", req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// PauseSession pauses a running session.
func (c *Client) PauseSession(ctx context.Context, id string) (*domain.Session, error) {
	return c.transition(ctx, id, "pause")
}

// ResumeSession resumes a paused session.
func (c *Client) ResumeSession(ctx context.Context, id string) (*domain.Session, error) {
	return c.transition(ctx, id, "resume")
}

// StopSession stops a session.
func (c *Client) StopSession(ctx context.Context, id string) (*domain.Session, error) {
	return c.transition(ctx, id, "stop")
}

func (c *Client) transition(ctx context.Context, id, action string) (*domain.Session, error) {
	var session domain.Session
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(id)+"/"+action, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Resources fetches the latest resource snapshot of a session.
func (c *Client) Resources(ctx context.Context, id string) (*domain.ResourceSnapshot, error) {
	var snap domain.ResourceSnapshot
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(id)+"/resources", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListFiles lists a session's files without content.
func (c *Client) ListFiles(ctx context.Context, sessionID string) ([]*domain.File, error) {
	var resp FilesResponse
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(sessionID)+"/files", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// GetFile fetches a file with content.
func (c *Client) GetFile(ctx context.Context, sessionID, fileID string) (*domain.File, error) {
	var file domain.File
	if err := c.doJSON(ctx, http.MethodGet, filePath(sessionID, fileID), nil, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// CreateFile creates a file at path with initial content.
func (c *Client) CreateFile(ctx context.Context, sessionID, path, content string) (*domain.File, error) {
	var file domain.File
	req := CreateFileRequest{Path: path, Content: content}
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(sessionID)+"/files", req, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// SaveFile replaces a file's content.
func (c *Client) SaveFile(ctx context.Context, sessionID, fileID, content string) (*domain.File, error) {
	var file domain.File
	req := SaveFileRequest{Content: content}
	if err := c.doJSON(ctx, http.MethodPut, filePath(sessionID, fileID), req, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// DeleteFile deletes a file or folder.
func (c *Client) DeleteFile(ctx context.Context, sessionID, fileID string) error {
	return c.doJSON(ctx, http.MethodDelete, filePath(sessionID, fileID), nil, nil)
}

// RenameFile moves a file to newPath.
func (c *Client) RenameFile(ctx context.Context, sessionID, fileID, newPath string) (*domain.File, error) {
	var file domain.File
	req := RenameFileRequest{Path: newPath}
	if err := c.doJSON(ctx, http.MethodPatch, filePath(sessionID, fileID)+"/rename", req, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// CreateFolder creates a folder entry.
func (c *Client) CreateFolder(ctx context.Context, sessionID, path string) (*domain.File, error) {
	var file domain.File
	req := CreateFolderRequest{Path: path}
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(sessionID)+"/folders", req, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// Execute runs one command in the session sandbox.
func (c *Client) Execute(ctx context.Context, sessionID, command string) (*domain.CommandRecord, error) {
	var rec domain.CommandRecord
	req := ExecuteRequest{Command: command}
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(sessionID)+"/execute", req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// History returns the session's command history, oldest first.
func (c *Client) History(ctx context.Context, sessionID string) ([]domain.CommandRecord, error) {
	var resp HistoryResponse
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(sessionID)+"/history", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

func sessionPath(id string) string {
	return "/api/sessions/" + url.PathEscape(id)
}

func filePath(sessionID, fileID string) string {
	return sessionPath(sessionID) + "/files/" + url.PathEscape(fileID)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.Header() {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	type errorPayload struct {
		Error string `json:"error"`
	}
	var payload errorPayload
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
}

// APIError is a non-2xx response from the sandbox API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sandbox api error (%d)", e.StatusCode)
	}
	return e.Message
}

func asAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	apiErr := asAPIError(err)
	return apiErr != nil && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the API.
func IsConflict(err error) bool {
	apiErr := asAPIError(err)
	return apiErr != nil && apiErr.StatusCode == http.StatusConflict
}

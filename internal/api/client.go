package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"im-client/internal/config"
	"im-client/internal/models"
)

// StatusError is a non-2xx response from the chat API. The status code
// drives the retry decision: 4xx is terminal, 5xx is retryable.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api returned status %d: %s", e.Code, e.Body)
}

// IsClientError reports whether err is a terminal 4xx response.
func IsClientError(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.Code >= 400 && statusErr.Code < 500
}

// IsRetryable reports whether err is worth retrying: a transport-level
// failure or a 5xx response. Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}
	// No HTTP status at all means the request never completed.
	return true
}

// Client talks to the chat server's REST API. All persistence lives
// behind it; the synchronization layer keeps no durable state.
type Client struct {
	baseURL string
	http    *http.Client
	upload  *http.Client
	logger  *logrus.Logger
}

// New creates a REST client for the given API endpoint.
func New(cfg config.APIConfig, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		// Uploads can legitimately outlive the request timeout; they
		// are bounded by their context instead.
		upload: &http.Client{},
		logger: logger,
	}
}

// SendMessageRequest is the payload for creating a message. TempID is
// echoed back in the room broadcast so the sender can replace its
// optimistic copy.
type SendMessageRequest struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
	Type    string `json:"type"`
	TempID  string `json:"tempId,omitempty"`
}

// SendMessageResult is the server-assigned identity of a message.
type SendMessageResult struct {
	ID             string `json:"id"`
	SequenceNumber int64  `json:"sequenceNumber"`
	Timestamp      int64  `json:"timestamp"`
}

// SendMessage persists a message and triggers its room broadcast.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*SendMessageResult, error) {
	var result SendMessageResult
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetActiveRoom tells the server which room this client is watching.
// An empty roomID clears the active room.
func (c *Client) SetActiveRoom(ctx context.Context, roomID string) error {
	body := map[string]any{"roomId": nil}
	if roomID != "" {
		body["roomId"] = roomID
	}
	return c.do(ctx, http.MethodPost, "/api/active-room", body, nil)
}

// MarkAsRead marks every message in the room as read by this client.
func (c *Client) MarkAsRead(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodPost, "/api/rooms/"+roomID+"/read", nil, nil)
}

// SyncMessages fetches the messages of a room starting after the given
// sequence number, used to backfill a detected gap.
func (c *Client) SyncMessages(ctx context.Context, roomID string, fromSequence int64) ([]models.RoomEnvelope, error) {
	var result struct {
		Messages []models.RoomEnvelope `json:"messages"`
	}
	path := fmt.Sprintf("/api/rooms/%s/messages?from_sequence=%d", roomID, fromSequence)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

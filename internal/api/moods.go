package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const pathMoods = "/api/moods"

// idempotencyHeader carries the record's client ID so the service can
// deduplicate an upload whose first attempt reached it but whose response
// was lost.
const idempotencyHeader = "Idempotency-Key"

// MoodUpload is the POST /api/moods body.
type MoodUpload struct {
	ClientID  string    `json:"client_id"`
	Score     int       `json:"score"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MoodAck is the entry as stored by the service.
type MoodAck struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id,omitempty"`
	Score     int       `json:"score"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MoodClient performs the authenticated mood calls through a Doer.
type MoodClient struct {
	client *Client
	doer   Doer
}

// NewMoodClient binds the request builder to a credential-attaching Doer.
func NewMoodClient(client *Client, doer Doer) *MoodClient {
	return &MoodClient{client: client, doer: doer}
}

// UploadMood sends one entry. Errors classify as ErrTransport (no response),
// ErrRejected (4xx), ErrThrottled, ErrServer, ErrUnauthorized (still 401
// after a refresh) or the Doer's own session error.
func (m *MoodClient) UploadMood(ctx context.Context, upload MoodUpload) (*MoodAck, error) {
	resp, err := m.doer.AuthorizedCall(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := m.client.NewRequest(ctx, http.MethodPost, pathMoods, upload)
		if err != nil {
			return nil, err
		}

		req.Header.Set(idempotencyHeader, upload.ClientID)

		return req, nil
	})
	if err != nil {
		return nil, err
	}

	if err := CheckResponse(resp); err != nil {
		return nil, err
	}

	var ack MoodAck
	if err := decodeJSON(resp, &ack); err != nil {
		// The service accepted the entry; an unreadable ack does not make
		// the upload retryable.
		m.client.logger.Warn("mood accepted but ack unreadable",
			slog.String("client_id", upload.ClientID),
			slog.String("error", err.Error()),
		)
		return &MoodAck{Score: upload.Score, Note: upload.Note, CreatedAt: upload.CreatedAt}, nil
	}

	return &ack, nil
}

// ListMoods fetches the entries stored remotely, newest first.
func (m *MoodClient) ListMoods(ctx context.Context) ([]MoodAck, error) {
	resp, err := m.doer.AuthorizedCall(ctx, func(ctx context.Context) (*http.Request, error) {
		return m.client.NewRequest(ctx, http.MethodGet, pathMoods, nil)
	})
	if err != nil {
		return nil, err
	}

	if err := CheckResponse(resp); err != nil {
		return nil, fmt.Errorf("api: listing moods: %w", err)
	}

	var moods []MoodAck
	if err := decodeJSON(resp, &moods); err != nil {
		return nil, fmt.Errorf("api: listing moods: %w", err)
	}

	return moods, nil
}

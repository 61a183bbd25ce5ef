// Package resttracker implements tracker.Tracker for a JSON REST tracker API.
//
// Records live under {base_url}/api/v1/records/{entity_type}[/{remote_id}]:
// POST creates, PATCH updates, DELETE removes and GET reads one record.
package resttracker

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

	mesyncotel "github.com/Strob0t/mesync/internal/adapter/otel"
	"github.com/Strob0t/mesync/internal/domain/entity"
	"github.com/Strob0t/mesync/internal/domain/syncop"
	"github.com/Strob0t/mesync/internal/port/tracker"
)

const adapterName = "rest"

// maxErrorBody bounds how much of an error response ends up in messages.
const maxErrorBody = 512

// Tracker talks to the external tracker over HTTP.
type Tracker struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
}

// New creates a REST tracker. Requests carry trace context through otelhttp.
func New(baseURL, token string) (*Tracker, error) {
	if baseURL == "" {
		return nil, errors.New("resttracker: base_url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("resttracker: invalid base_url: %w", err)
	}
	return &Tracker{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      func() string { return token },
		httpClient: &http.Client{Transport: mesyncotel.Transport(http.DefaultTransport)},
	}, nil
}

func (t *Tracker) Name() string { return adapterName }

// SetTokenSource makes every request read its bearer token from fn, so a
// rotated token takes effect without a restart. Call before first use.
func (t *Tracker) SetTokenSource(fn func() string) { t.token = fn }

// record mirrors the JSON shape of one tracker record.
type record struct {
	ID             string               `json:"id"`
	EntityType     string               `json:"entity_type"`
	Fields         map[string]*string   `json:"fields"`
	FieldUpdatedAt map[string]time.Time `json:"field_updated_at,omitempty"`
	UpdatedAt      *time.Time           `json:"updated_at,omitempty"`
}

type writeRequest struct {
	LocalID int64              `json:"local_id"`
	Fields  map[string]*string `json:"fields,omitempty"`
	Raw     json.RawMessage    `json:"raw,omitempty"`
}

// Push creates, updates or deletes the remote record and returns its id.
// Deleting a record the tracker no longer knows succeeds.
func (t *Tracker) Push(ctx context.Context, req *tracker.PushRequest) (string, error) {
	body := writeRequest{LocalID: req.Ref.ID, Fields: req.Fields, Raw: req.Raw}

	switch req.OperationType {
	case syncop.OpCreate:
		var created record
		if err := t.do(ctx, "create", http.MethodPost, t.collectionURL(req.Ref.Type), body, &created); err != nil {
			return "", err
		}
		if created.ID == "" {
			return "", tracker.NewError(tracker.KindValidation, "create", errors.New("response carries no id"))
		}
		return created.ID, nil

	case syncop.OpUpdate:
		if req.RemoteID == "" {
			return "", tracker.NewError(tracker.KindValidation, "update", errors.New("remote id is required"))
		}
		if err := t.do(ctx, "update", http.MethodPatch, t.recordURL(req.Ref.Type, req.RemoteID), body, nil); err != nil {
			return "", err
		}
		return req.RemoteID, nil

	case syncop.OpDelete:
		err := t.do(ctx, "delete", http.MethodDelete, t.recordURL(req.Ref.Type, req.RemoteID), nil, nil)
		if err != nil && tracker.KindOf(err) != tracker.KindNotFound {
			return "", err
		}
		return req.RemoteID, nil

	default:
		return "", tracker.NewError(tracker.KindUnsupported, "push", fmt.Errorf("operation %q", req.OperationType))
	}
}

// Pull reads one remote record.
func (t *Tracker) Pull(ctx context.Context, entityType entity.Type, remoteID string) (*tracker.RemoteRecord, error) {
	var rec record
	if err := t.do(ctx, "pull", http.MethodGet, t.recordURL(entityType, remoteID), nil, &rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = remoteID
	}
	return &tracker.RemoteRecord{
		RemoteID:       rec.ID,
		EntityType:     entityType,
		Fields:         rec.Fields,
		FieldUpdatedAt: rec.FieldUpdatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}, nil
}

func (t *Tracker) collectionURL(et entity.Type) string {
	return t.baseURL + "/api/v1/records/" + url.PathEscape(string(et))
}

func (t *Tracker) recordURL(et entity.Type, remoteID string) string {
	return t.collectionURL(et) + "/" + url.PathEscape(remoteID)
}

func (t *Tracker) do(ctx context.Context, op, method, reqURL string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return tracker.NewError(tracker.KindValidation, op, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return tracker.NewError(tracker.KindValidation, op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if tok := t.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req) //nolint:gosec // URL is built from the configured base URL
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return tracker.NewError(tracker.KindTimeout, op, err)
		}
		return tracker.NewError(tracker.KindNetwork, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return tracker.NewError(tracker.KindNetwork, op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		msg := string(respBody)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return tracker.NewError(classify(resp.StatusCode), op, fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return tracker.NewError(tracker.KindValidation, op, fmt.Errorf("parse response: %w", err))
	}
	return nil
}

// classify maps an HTTP error status onto a tracker error kind.
func classify(code int) tracker.ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return tracker.KindAuth
	case code == http.StatusNotFound || code == http.StatusGone:
		return tracker.KindNotFound
	case code == http.StatusTooManyRequests:
		return tracker.KindRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return tracker.KindTimeout
	case code == http.StatusNotImplemented || code == http.StatusMethodNotAllowed:
		return tracker.KindUnsupported
	case code >= 500:
		return tracker.KindNetwork
	default:
		return tracker.KindValidation
	}
}

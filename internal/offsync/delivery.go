package offsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Ack is the remote store's confirmation of a delivered operation.
type Ack struct {
	RemoteID string `json:"remoteId,omitempty"`
	// AlreadyApplied means the idempotency key had been seen before; the
	// engine treats this as success.
	AlreadyApplied bool `json:"alreadyApplied,omitempty"`
}

// DeliverFunc sends one operation to the remote store. Implementations must
// propagate the operation's idempotency key so retried deliveries are safe
// to deduplicate server-side.
type DeliverFunc func(ctx context.Context, op QueuedOperation) (Ack, error)

// RemoteDelivery is the external collaborator the drain loop talks to.
type RemoteDelivery interface {
	Deliver(ctx context.Context, op QueuedOperation) (Ack, error)
}

// transientDeliveryError classifies an attempt error. Errors without an
// explicit classification count as transient: retrying a delivered operation
// is safe under the idempotency contract, silently dropping one is not.
func transientDeliveryError(err error) bool {
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Transient
	}
	return true
}

type HTTPDeliveryOptions struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
	UserAgent  string
	DeviceID   string
}

// HTTPDelivery posts operations to the chat backend's ingest endpoint. The
// drain loop owns retry policy, so the client makes exactly one attempt per
// call and reports a classified error.
type HTTPDelivery struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	userAgent  string
	deviceID   string
}

func NewHTTPDelivery(opts HTTPDeliveryOptions) (*HTTPDelivery, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: delivery base URL is required", ErrInvalidInput)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTTPDelivery{
		baseURL:    baseURL,
		authToken:  strings.TrimSpace(opts.AuthToken),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		deviceID:   strings.TrimSpace(opts.DeviceID),
	}, nil
}

type deliveryRequest struct {
	Type        OperationType   `json:"type"`
	Data        json.RawMessage `json:"data"`
	Timestamp   int64           `json:"timestamp"`
	DeviceID    string          `json:"deviceId,omitempty"`
	VectorClock VectorClock     `json:"vectorClock,omitempty"`
}

type deliveryResponse struct {
	RemoteID       string      `json:"remoteId"`
	AlreadyApplied bool        `json:"alreadyApplied"`
	Code           string      `json:"code"`
	Message        string      `json:"message"`
	Remote         *SyncEntity `json:"remote,omitempty"`
}

func (c *HTTPDelivery) Deliver(ctx context.Context, op QueuedOperation) (Ack, error) {
	body, err := json.Marshal(deliveryRequest{
		Type:        op.Type,
		Data:        op.Data,
		Timestamp:   op.Timestamp,
		DeviceID:    c.deviceID,
		VectorClock: op.VectorClock,
	})
	if err != nil {
		return Ack{}, NewPermanentError("encode_failed", err.Error())
	}

	url := c.baseURL + "/v1/operations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", op.IdempotencyKey)
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Ack{}, ctx.Err()
		}
		return Ack{}, NewTransientError("network", err.Error())
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return Ack{}, NewTransientError("read_body", readErr.Error())
	}

	var parsed deliveryResponse
	_ = json.Unmarshal(respBody, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return Ack{RemoteID: parsed.RemoteID, AlreadyApplied: parsed.AlreadyApplied}, nil
	case resp.StatusCode == http.StatusConflict && parsed.Remote != nil:
		return Ack{}, &RemoteConflictError{Remote: *parsed.Remote}
	case resp.StatusCode == http.StatusConflict:
		// Conflict without a remote copy means the key was already applied.
		return Ack{AlreadyApplied: true}, nil
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500 && resp.StatusCode <= 599:
		return Ack{}, NewTransientError(httpErrorCode(resp.StatusCode, parsed.Code), httpErrorMessage(respBody, parsed.Message))
	case resp.StatusCode == http.StatusUnauthorized:
		// Auth expiry is recoverable after a token refresh; do not dead-letter.
		return Ack{}, NewTransientError("unauthorized", httpErrorMessage(respBody, parsed.Message))
	default:
		return Ack{}, NewPermanentError(httpErrorCode(resp.StatusCode, parsed.Code), httpErrorMessage(respBody, parsed.Message))
	}
}

func httpErrorCode(status int, code string) string {
	if code != "" {
		return code
	}
	return "http_" + strconv.Itoa(status)
}

func httpErrorMessage(body []byte, message string) string {
	if message != "" {
		return message
	}
	return strings.TrimSpace(string(body))
}

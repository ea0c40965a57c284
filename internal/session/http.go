package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/markjakearzadon/notipay-reconciler/internal/models"
)

// HTTPStatusError is a non-2xx answer other than 401.
type HTTPStatusError struct {
	Code    int
	Message string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// HTTPBackend talks to the order API with a bearer token.
type HTTPBackend struct {
	baseURL string
	token   string
	client  *http.Client
	stream  *http.Client
}

func NewHTTPBackend(baseURL, token string, timeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		// no overall timeout: event streams stay open
		stream: &http.Client{},
	}
}

func (b *HTTPBackend) EnsureOrder(ctx context.Context, req OrderRequest) (*models.PendingOrder, error) {
	var resp struct {
		Order *models.PendingOrder `json:"order"`
	}
	if err := b.post(ctx, "/api/orders", req, &resp); err != nil {
		return nil, err
	}
	if resp.Order == nil {
		return nil, fmt.Errorf("server returned no order")
	}
	return resp.Order, nil
}

func (b *HTTPBackend) Verify(ctx context.Context, orderID string) (Result, error) {
	var res Result
	err := b.post(ctx, "/api/orders/verify", map[string]string{"orderId": orderID}, &res)
	return res, err
}

func (b *HTTPBackend) Cancel(ctx context.Context, orderID string) (Result, error) {
	var res Result
	err := b.post(ctx, "/api/orders/verify", map[string]string{"orderId": orderID, "action": "cancel"}, &res)
	return res, err
}

func (b *HTTPBackend) post(ctx context.Context, path string, body, out interface{}) error {
	if b.token == "" {
		return ErrUnauthenticated
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.token)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Subscribe opens the order's server-sent event stream.
func (b *HTTPBackend) Subscribe(ctx context.Context, orderID string) (<-chan models.OrderStatus, error) {
	if b.token == "" {
		return nil, ErrUnauthenticated
	}
	endpoint := b.baseURL + "/api/orders/" + url.PathEscape(orderID) + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+b.token)

	resp, err := b.stream.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	out := make(chan models.OrderStatus, 1)
	go func() {
		defer close(out)

		events := readEvents(resp.Body)
		defer func() {
			resp.Body.Close()
			for range events {
			}
		}()

		for data := range events {
			var ev struct {
				Status models.OrderStatus `json:"status"`
			}
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				log.Warnf("[Session] Ignoring unreadable event %q: %v", data, err)
				continue
			}
			select {
			case out <- ev.Status:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// readEvents yields the data field of each server-sent event in r.
func readEvents(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)

		scanner := bufio.NewScanner(r)
		var data []string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if len(data) > 0 {
					out <- strings.Join(data, "\n")
					data = data[:0]
				}
			case strings.HasPrefix(line, ":"):
				// comment / heartbeat
			case strings.HasPrefix(line, "data:"):
				data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}
	}()
	return out
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthenticated
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	return &HTTPStatusError{Code: resp.StatusCode, Message: body.Error}
}

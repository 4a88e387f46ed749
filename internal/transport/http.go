package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"highlightsync/internal/domain"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const maxResponseBody = 1 << 20

// HTTPTransport POSTs each message as JSON to a fixed endpoint.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

// NewHTTPTransport uses client for requests; the identity provider supplies
// an authenticated one.
func NewHTTPTransport(endpoint string, client *http.Client, logger *zerolog.Logger) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "http-transport").Logger()
	}
	return &HTTPTransport{endpoint: endpoint, client: client, logger: l}
}

func (t *HTTPTransport) Send(ctx context.Context, msg Message) (Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return Response{}, fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", msg.ID)
	if msg.Identity != "" {
		req.Header.Set("X-Identity", msg.Identity)
	}

	httpResp, err := t.client.Do(req)
	if err != nil {
		// let the timeout guard see its own deadline
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, &domain.NetworkError{Op: "post", Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, &domain.NetworkError{Op: "read response", Err: err}
	}

	resp := Response{Status: httpResp.StatusCode}
	if len(bytes.TrimSpace(raw)) > 0 {
		var decoded Response
		if err := json.Unmarshal(raw, &decoded); err == nil {
			resp.Accepted = decoded.Accepted
			resp.Message = decoded.Message
		}
	}
	if resp.Status >= 200 && resp.Status < 300 && len(bytes.TrimSpace(raw)) == 0 {
		resp.Accepted = true
	}

	t.logger.Debug().
		Str("event_id", msg.Event.ID).
		Str("request_id", msg.ID).
		Int("status", resp.Status).
		Msg("delivered")

	return resp, classify("post", resp, parseRetryAfter(httpResp.Header.Get("Retry-After")))
}

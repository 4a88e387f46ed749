package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"highlightsync/internal/domain"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DialNATS connects with unlimited reconnects; delivery failures surface
// per request rather than tearing the connection down.
func DialNATS(url string, logger *zerolog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("highlightsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if logger != nil {
		l := logger.With().Str("component", "nats").Logger()
		opts = append(opts,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				l.Warn().Err(err).Msg("nats disconnected")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				l.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
			}),
		)
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// NATSTransport delivers messages as request/reply on a subject. The
// responder answers with a JSON Response.
type NATSTransport struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
	logger  zerolog.Logger
}

func NewNATSTransport(conn *nats.Conn, subject string, timeout time.Duration, logger *zerolog.Logger) *NATSTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "nats-transport").Logger()
	}
	return &NATSTransport{conn: conn, subject: subject, timeout: timeout, logger: l}
}

func (t *NATSTransport) Send(ctx context.Context, msg Message) (Response, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Response{}, fmt.Errorf("encode message: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	req := nats.NewMsg(t.subject)
	req.Data = data
	req.Header.Set("X-Request-ID", msg.ID)
	req.Header.Set("X-Identity", msg.Identity)

	reply, err := t.conn.RequestMsgWithContext(ctx, req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, nats.ErrNoResponders) {
			return Response{}, ctx.Err()
		}
		return Response{}, &domain.NetworkError{Op: "nats request", Err: err}
	}

	var resp Response
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return Response{}, &domain.NetworkError{Op: "decode reply", Err: err}
	}
	if resp.Status == 0 {
		resp.Status = 200
		if !resp.Accepted {
			resp.Status = 500
		}
	}

	var retryAfter time.Duration
	if reply.Header != nil {
		retryAfter = parseRetryAfter(reply.Header.Get("Retry-After"))
	}

	t.logger.Debug().
		Str("event_id", msg.Event.ID).
		Str("request_id", msg.ID).
		Int("status", resp.Status).
		Msg("delivered")

	return resp, classify("nats request", resp, retryAfter)
}

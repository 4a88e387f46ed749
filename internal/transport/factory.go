package transport

import (
	"fmt"
	"net/http"

	"highlightsync/internal/config"

	"github.com/rs/zerolog"
)

// New builds the raw sender for cfg.Kind. The returned close function
// releases any connection it opened.
func New(cfg config.TransportConfig, client *http.Client, logger *zerolog.Logger) (Sender, func(), error) {
	switch cfg.Kind {
	case "http":
		if client != nil && client.Timeout == 0 {
			client.Timeout = cfg.Timeout
		}
		return NewHTTPTransport(cfg.Endpoint, client, logger), func() {}, nil
	case "nats":
		nc, err := DialNATS(cfg.NATSURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return NewNATSTransport(nc, cfg.NATSSubject, cfg.Timeout, logger), nc.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}

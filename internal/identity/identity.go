package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"highlightsync/internal/config"
	"highlightsync/internal/logging"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Provider names the caller for rate limiting and supplies the HTTP
// client outgoing sync requests are made with.
type Provider interface {
	Identity(ctx context.Context) (string, error)
	HTTPClient(ctx context.Context) *http.Client
}

// Static is a fixed identity over a plain client.
type Static struct {
	ID     string
	Client *http.Client
}

func (s Static) Identity(context.Context) (string, error) {
	if s.ID == "" {
		return "", errors.New("identity not configured")
	}
	return s.ID, nil
}

func (s Static) HTTPClient(context.Context) *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

// OAuth2 authenticates with the client credentials grant. Tokens are
// cached and refreshed by the oauth2 token source.
type OAuth2 struct {
	cfg     clientcredentials.Config
	subject string
	base    *http.Client
	source  oauth2.TokenSource
	logger  zerolog.Logger
}

func NewOAuth2(cfg config.OAuthConfig, timeout time.Duration, logger *zerolog.Logger) *OAuth2 {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	p := &OAuth2{
		cfg: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		},
		subject: cfg.Subject,
		base:    &http.Client{Timeout: timeout},
		logger:  logging.Component(logger, "identity"),
	}
	if p.subject == "" {
		p.subject = cfg.ClientID
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, p.base)
	p.source = p.cfg.TokenSource(ctx)
	return p
}

// Identity is the configured subject. It fails when no token can be
// obtained, so a caller with bad credentials is not treated as anyone.
func (p *OAuth2) Identity(ctx context.Context) (string, error) {
	if _, err := p.Token(); err != nil {
		return "", err
	}
	return p.subject, nil
}

// Token returns a valid access token, fetching a new one when needed.
func (p *OAuth2) Token() (*oauth2.Token, error) {
	tok, err := p.source.Token()
	if err != nil {
		p.logger.Error().Err(err).Str("token_url", p.cfg.TokenURL).Msg("fetch access token")
		return nil, fmt.Errorf("oauth2 token: %w", err)
	}
	return tok, nil
}

// HTTPClient attaches bearer tokens to every request.
func (p *OAuth2) HTTPClient(ctx context.Context) *http.Client {
	client := oauth2.NewClient(ctx, p.source)
	client.Timeout = p.base.Timeout
	return client
}

// New picks the OAuth2 provider when credentials are configured.
func New(oauthCfg config.OAuthConfig, syncCfg config.SyncConfig, timeout time.Duration, logger *zerolog.Logger) Provider {
	if oauthCfg.Enabled() {
		return NewOAuth2(oauthCfg, timeout, logger)
	}
	id := syncCfg.Identity
	if id == "" {
		id = "local"
	}
	return Static{ID: id, Client: &http.Client{Timeout: timeout}}
}

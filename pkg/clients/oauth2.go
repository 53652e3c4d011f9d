package clients

import (
	"context"
	"net/http"

	"github.com/ajitpratap0/finlake/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuth2Config configures a client-credentials grant.
type OAuth2Config struct {
	ClientID     string   `yaml:"client_id" json:"client_id"`
	ClientSecret string   `yaml:"client_secret" json:"-"`
	TokenURL     string   `yaml:"token_url" json:"token_url"`
	Scopes       []string `yaml:"scopes" json:"scopes,omitempty"`
	// BasicAuth sends credentials in the Authorization header instead of
	// the form body.
	BasicAuth bool `yaml:"basic_auth" json:"basic_auth"`
}

// TokenProvider hands out bearer tokens for source requests. Tokens are
// cached and refreshed by the underlying oauth2.TokenSource, outside the
// rate-limited fetch path.
type TokenProvider struct {
	source oauth2.TokenSource
	logger *zap.Logger
}

// NewTokenProvider builds a client-credentials provider. httpClient may be
// nil to use http.DefaultClient.
func NewTokenProvider(ctx context.Context, config OAuth2Config, httpClient *http.Client, logger *zap.Logger) (*TokenProvider, error) {
	if config.ClientID == "" || config.ClientSecret == "" {
		return nil, errors.New(errors.ErrorTypeAuthentication, "client_id and client_secret are required")
	}
	if config.TokenURL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "token_url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	style := oauth2.AuthStyleInParams
	if config.BasicAuth {
		style = oauth2.AuthStyleInHeader
	}

	cc := &clientcredentials.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		TokenURL:     config.TokenURL,
		Scopes:       config.Scopes,
		AuthStyle:    style,
	}

	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	return &TokenProvider{
		source: oauth2.ReuseTokenSource(nil, cc.TokenSource(ctx)),
		logger: logger.With(zap.String("component", "oauth2")),
	}, nil
}

// Token returns a valid access token, fetching a new one when the cached
// token has expired.
func (p *TokenProvider) Token() (*oauth2.Token, error) {
	tok, err := p.source.Token()
	if err != nil {
		p.logger.Error("token request failed", zap.Error(err))
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "failed to obtain access token")
	}
	return tok, nil
}

// Headers returns the Authorization header for the current token.
func (p *TokenProvider) Headers() (map[string]string, error) {
	tok, err := p.Token()
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": tok.Type() + " " + tok.AccessToken}, nil
}

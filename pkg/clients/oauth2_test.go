package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTokenProvider_FetchesAndReusesToken(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, "id", r.Form.Get("client_id"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	p, err := NewTokenProvider(context.Background(), OAuth2Config{
		ClientID:     "id",
		ClientSecret: "secret",
		TokenURL:     srv.URL,
	}, srv.Client(), zap.NewNop())
	require.NoError(t, err)

	headers, err := p.Headers()
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", headers["Authorization"])

	_, err = p.Headers()
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTokenProvider_RequiresCredentials(t *testing.T) {
	_, err := NewTokenProvider(context.Background(), OAuth2Config{TokenURL: "https://example.com"}, nil, nil)
	assert.Error(t, err)

	_, err = NewTokenProvider(context.Background(), OAuth2Config{ClientID: "id", ClientSecret: "s"}, nil, nil)
	assert.Error(t, err)
}

func TestTokenProvider_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, err := NewTokenProvider(context.Background(), OAuth2Config{
		ClientID:     "id",
		ClientSecret: "bad",
		TokenURL:     srv.URL,
	}, srv.Client(), zap.NewNop())
	require.NoError(t, err)

	_, err = p.Headers()
	assert.Error(t, err)
}

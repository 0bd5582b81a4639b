package http

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/sigil/adapters/codec"
	"github.com/layer-3/sigil/adapters/events"
	"github.com/layer-3/sigil/adapters/siwe"
	"github.com/layer-3/sigil/adapters/store"
	"github.com/layer-3/sigil/core"
	"github.com/layer-3/sigil/logging"
	"github.com/layer-3/sigil/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router *gin.Engine
	cookie string
}

func newTestServer(t *testing.T, configErr error, secure bool) *testServer {
	t.Helper()
	logger := logging.Discard()
	reg := prometheus.NewRegistry()
	metrics := service.NewMetrics(reg)

	var sessionCodec *codec.SealedCodec
	if configErr == nil {
		var err error
		sessionCodec, err = codec.NewSealedCodec([]byte(testSecret), 0)
		require.NoError(t, err)
	}

	authService := service.NewAuthService(siwe.NewVerifier(nil), events.NopPublisher{}, metrics, logger, service.AuthConfig{
		ChainID:   11124,
		Domain:    "app.example",
		ConfigErr: configErr,
	})

	vault := service.NewVault(store.NewMemoryStore(), nil, nil, events.NopPublisher{}, metrics, logger, "test")
	validator := service.NewValidator(vault, nil, logger, service.ValidatorConfig{})
	manager := service.NewManager(vault, validator, core.PolicySet{}, logger)

	var jars *Jars
	if sessionCodec != nil {
		jars = NewJars(sessionCodec, nil, CookieConfig{Secure: secure, MaxAge: codec.DefaultTTL}, logger)
	} else {
		jars = NewJars(nil, configErr, CookieConfig{}, logger)
	}

	return &testServer{router: SetupRouter(RouterConfig{
		AuthService: authService,
		Manager:     manager,
		Jars:        jars,
		Metrics:     metrics,
		Gatherer:    reg,
		Logger:      logger,
	})}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if s.cookie != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: s.cookie})
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookieName {
			s.cookie = c.Value
		}
	}
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func signIn(t *testing.T, key *ecdsa.PrivateKey, nonce string) (string, string) {
	t.Helper()
	now := time.Now().UTC()
	exp := now.Add(time.Hour)
	msg := (&siwe.Message{
		Domain:         "app.example",
		Address:        crypto.PubkeyToAddress(key.PublicKey),
		Statement:      "Sign in",
		URI:            "https://app.example",
		Version:        "1",
		ChainID:        11124,
		Nonce:          nonce,
		IssuedAt:       now,
		ExpirationTime: &exp,
	}).String()

	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return msg, hexutil.Encode(sig)
}

func TestRouter_SignInFlow(t *testing.T) {
	s := newTestServer(t, nil, false)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey)

	w := s.do(t, http.MethodGet, "/auth/nonce", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
	nonce := w.Body.String()
	assert.Len(t, nonce, 64)
	require.NotEmpty(t, s.cookie)

	msg, sig := signIn(t, key, nonce)
	w = s.do(t, http.MethodPost, "/auth/verify", gin.H{"message": msg, "signature": sig})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["ok"])

	w = s.do(t, http.MethodGet, "/auth/user", nil)
	require.Equal(t, http.StatusOK, w.Code)
	user := decode(t, w)["user"].(map[string]any)
	assert.Equal(t, address.Hex(), user["address"])
	assert.Equal(t, float64(11124), user["chainId"])
	assert.NotNil(t, user["expirationTime"])

	w = s.do(t, http.MethodPost, "/auth/verify", gin.H{"message": msg, "signature": sig})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, gin.H{"ok": false, "message": "NonceInvalid"}, gin.H(decode(t, w)))

	w = s.do(t, http.MethodGet, "/session-keys", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "absent", body["state"])
	assert.NotContains(t, body, "sessionKey")

	w = s.do(t, http.MethodPost, "/auth/logout", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, s.cookie)

	w = s.do(t, http.MethodGet, "/auth/user", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_VerifyBadRequest(t *testing.T) {
	s := newTestServer(t, nil, false)
	s.do(t, http.MethodGet, "/auth/nonce", nil)

	w := s.do(t, http.MethodPost, "/auth/verify", gin.H{"message": "hello", "signature": "abc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, decode(t, w)["ok"])

	req := httptest.NewRequest(http.MethodPost, "/auth/verify", strings.NewReader("{"))
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_ConfigurationError(t *testing.T) {
	s := newTestServer(t, &core.ConfigError{Field: "session_secret", Reason: "is required"}, false)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/auth/nonce"},
		{http.MethodPost, "/auth/verify"},
		{http.MethodGet, "/auth/user"},
	} {
		t.Run(tc.path, func(t *testing.T) {
			w := s.do(t, tc.method, tc.path, gin.H{"message": "m", "signature": "0x00"})
			require.Equal(t, http.StatusInternalServerError, w.Code)
			assert.Equal(t, true, decode(t, w)["isConfigurationError"])
		})
	}
}

func TestRouter_UnreadableCookieIsAnonymous(t *testing.T) {
	s := newTestServer(t, nil, false)
	s.cookie = "not-a-sealed-session"

	w := s.do(t, http.MethodGet, "/auth/user", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, core.ErrNotAuthenticated.Error(), decode(t, w)["message"])

	w = s.do(t, http.MethodGet, "/session-keys", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_CookieAttributes(t *testing.T) {
	s := newTestServer(t, nil, true)
	w := s.do(t, http.MethodGet, "/auth/nonce", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, "/", cookie.Path)
	assert.Equal(t, int(codec.DefaultTTL.Seconds()), cookie.MaxAge)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil, false)

	w := s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `sigil_http_requests_total{endpoint="/healthz",method="GET",status="200"} 1`)
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", core.ErrSignatureInvalid, http.StatusUnprocessableEntity},
		{"bad request", core.ErrBadRequest, http.StatusBadRequest},
		{"unauthenticated", core.ErrChainChanged, http.StatusUnauthorized},
		{"chain", core.ErrStatusUnavailable, http.StatusBadGateway},
		{"configuration", &core.ConfigError{Field: "chain_id", Reason: "is required"}, http.StatusInternalServerError},
		{"unknown", errors.New("dial tcp: connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := errorResponse(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, false, body["ok"])
			if status == http.StatusInternalServerError && tt.name == "unknown" {
				assert.Equal(t, "Internal error", body["message"], "internal detail is not exposed")
			}
		})
	}
}

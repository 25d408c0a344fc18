package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/pkg/auth"
	"github.com/modelgate/modelgate/pkg/observability"
	"github.com/modelgate/modelgate/pkg/store"
)

type testEnv struct {
	server  *Server
	store   *store.Store
	service *auth.Service
	hasher  *auth.Hasher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := store.Config{
		PostgresURL: ":memory:",
		Timeout:     5 * time.Second,
		TablePrefix: "modelgate_",
	}
	db, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	require.NoError(t, store.RunMigrations(context.Background(), db, cfg, logger))
	st := store.New(db, cfg)

	hasher := auth.NewHasher(4)
	svc := auth.NewService(
		st,
		auth.NewCodec("test-secret-test-secret-test-secret"),
		hasher,
		auth.ServiceConfig{
			SessionTTL:        30 * time.Minute,
			AccessTTL:         720 * time.Hour,
			AdminNeverExpires: true,
		},
		logger,
		nil,
	)

	srv := NewServer(svc, st, hasher, nil, nil, []string{"/v1/auth/session"}, logger, nil)
	return &testEnv{server: srv, store: st, service: svc, hasher: hasher}
}

func (e *testEnv) seedUser(t *testing.T, username, password string, scopes []string) {
	t.Helper()

	hash, err := e.hasher.Hash(password)
	require.NoError(t, err)
	user := &auth.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		Scopes:       scopes,
		Active:       true,
	}
	require.NoError(t, e.store.CreateUser(context.Background(), user))
}

// request performs an HTTP request against the server and decodes the
// JSON body into out when it is non-nil.
func (e *testEnv) request(t *testing.T, method, path, token string, body interface{}, out interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func (e *testEnv) login(t *testing.T, username, password string, scopes []string) tokenResponse {
	t.Helper()

	var resp tokenResponse
	rec := e.request(t, http.MethodPost, "/v1/auth/session", "", loginRequest{
		Username: username,
		Password: password,
		Scopes:   scopes,
	}, &resp)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return resp
}

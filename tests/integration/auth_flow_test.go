//go:build integration

package integration

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/modelgate/modelgate/pkg/api"
	"github.com/modelgate/modelgate/pkg/auth"
	"github.com/modelgate/modelgate/pkg/observability"
	"github.com/modelgate/modelgate/pkg/store"
)

// setupPostgres starts a PostgreSQL container and returns a migrated
// store over it.
func setupPostgres(t *testing.T) (*store.Store, *sql.DB) {
	t.Helper()

	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("modelgate_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("warning: failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := store.Config{
		PostgresURL: connStr,
		MaxConns:    10,
		MinConns:    2,
		Timeout:     10 * time.Second,
		TablePrefix: "modelgate_",
	}
	db, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	require.NoError(t, store.RunMigrations(ctx, db, cfg, logger))

	return store.New(db, cfg), db
}

func setupStack(t *testing.T) (*api.Server, *store.Store, *auth.Service) {
	t.Helper()

	st, _ := setupPostgres(t)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	hasher := auth.NewHasher(4)

	require.NoError(t, store.EnsureDefaultAdmin(context.Background(), st, hasher, "admin", "bootstrap-password", logger))

	svc := auth.NewService(
		st,
		auth.NewCodec("integration-secret-integration-secret"),
		hasher,
		auth.ServiceConfig{
			SessionTTL:        30 * time.Minute,
			AccessTTL:         720 * time.Hour,
			AdminNeverExpires: true,
		},
		logger,
		nil,
	)

	server := api.NewServer(svc, st, hasher, nil, nil, []string{"/v1/auth/session"}, logger, nil)
	return server, st, svc
}

func call(t *testing.T, server *api.Server, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
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
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestEndToEndAuthFlow(t *testing.T) {
	server, _, _ := setupStack(t)

	// Bootstrap admin logs in.
	rec, body := call(t, server, http.MethodPost, "/v1/auth/session", "", map[string]interface{}{
		"username": "admin",
		"password": "bootstrap-password",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	adminToken := body["token"].(string)

	// Admin creates a worker account.
	rec, _ = call(t, server, http.MethodPost, "/v1/admin/users", adminToken, map[string]interface{}{
		"username": "worker",
		"password": "worker-password",
		"scopes":   []string{"chat", "embeddings"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Worker logs in and refreshes to a long-lived access token.
	rec, body = call(t, server, http.MethodPost, "/v1/auth/session", "", map[string]interface{}{
		"username": "worker",
		"password": "worker-password",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	sessionToken := body["token"].(string)

	rec, body = call(t, server, http.MethodPost, "/v1/auth/refresh", sessionToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	accessToken := body["token"].(string)
	assert.Equal(t, "access", body["kind"])

	// The access token authenticates.
	rec, body = call(t, server, http.MethodGet, "/v1/auth/me", accessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "worker", body["username"])

	// A second refresh rotates; the first access token dies.
	rec, body = call(t, server, http.MethodPost, "/v1/auth/refresh", sessionToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	nextToken := body["token"].(string)

	rec, _ = call(t, server, http.MethodGet, "/v1/auth/me", accessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Admin revokes; the replacement dies too, immediately.
	rec, _ = call(t, server, http.MethodDelete, "/v1/admin/users/worker/token", adminToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = call(t, server, http.MethodGet, "/v1/auth/me", nextToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The admin's own token never expires.
	rec, body = call(t, server, http.MethodPost, "/v1/auth/refresh", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "never", body["expires_at"])
}

// TestConcurrentRefreshSingleWinner drives concurrent refreshes through
// the real partial unique index and checks that exactly one access
// token stays live.
func TestConcurrentRefreshSingleWinner(t *testing.T) {
	_, st, svc := setupStack(t)
	ctx := context.Background()

	hash, err := auth.NewHasher(4).Hash("password123")
	require.NoError(t, err)
	require.NoError(t, st.CreateUser(ctx, &auth.User{
		Username:     "racer",
		PasswordHash: hash,
		Scopes:       []string{"chat"},
		Active:       true,
	}))

	issued, err := svc.Login(ctx, "racer", "password123", nil)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = svc.Refresh(ctx, issued.Token)
		}(i)
	}
	wg.Wait()

	// Losers may exhaust their rotation retries under this much
	// contention; what matters is that someone won and the unique
	// index held.
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	require.Greater(t, succeeded, 0)

	tokens, err := st.ListUserTokens(ctx, "racer")
	require.NoError(t, err)

	live := 0
	for _, rec := range tokens {
		if rec.Kind == auth.KindAccess && !rec.Revoked {
			live++
		}
	}
	assert.Equal(t, 1, live)
}

func TestDuplicateUserConstraintOnPostgres(t *testing.T) {
	st, _ := setupPostgres(t)
	ctx := context.Background()

	user := &auth.User{Username: "alice", Email: "alice@example.com", PasswordHash: "hash", Active: true}
	require.NoError(t, st.CreateUser(ctx, user))

	dup := &auth.User{Username: "alice", PasswordHash: "hash", Active: true}
	assert.ErrorIs(t, st.CreateUser(ctx, dup), auth.ErrDuplicateUser)
}

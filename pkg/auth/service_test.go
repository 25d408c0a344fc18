package auth

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/pkg/observability"
)

// memStore is an in-memory Store used to exercise the service state
// machine without a database. The sqlite and postgres paths are covered in
// pkg/store and tests/integration.
type memStore struct {
	mu     sync.Mutex
	users  map[string]*User
	tokens map[string]*TokenRecord
	down   bool
}

func newMemStore() *memStore {
	return &memStore{
		users:  make(map[string]*User),
		tokens: make(map[string]*TokenRecord),
	}
}

var errConnRefused = errors.New("connection refused")

func (m *memStore) GetUser(_ context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errConnRefused
	}
	u, ok := m.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) UpdatePassword(_ context.Context, username, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errConnRefused
	}
	u, ok := m.users[username]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (m *memStore) TouchLastLogin(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[username]; ok {
		now := time.Now()
		u.LastLoginAt = &now
	}
	return nil
}

func (m *memStore) TouchLastRefresh(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[username]; ok {
		now := time.Now()
		u.LastRefreshAt = &now
	}
	return nil
}

func (m *memStore) InsertToken(_ context.Context, rec *TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errConnRefused
	}
	cp := *rec
	m.tokens[rec.ID] = &cp
	return nil
}

func (m *memStore) RotateAccessToken(_ context.Context, rec *TokenRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, errConnRefused
	}
	var rotated int64
	for _, t := range m.tokens {
		if t.Username == rec.Username && t.Kind == KindAccess && !t.Revoked {
			t.Revoked = true
			rotated++
		}
	}
	cp := *rec
	m.tokens[rec.ID] = &cp
	return rotated, nil
}

func (m *memStore) GetToken(_ context.Context, tokenID string) (*TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errConnRefused
	}
	t, ok := m.tokens[tokenID]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) RevokeToken(_ context.Context, username, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errConnRefused
	}
	if t, ok := m.tokens[tokenID]; ok && t.Username == username {
		t.Revoked = true
	}
	return nil
}

func (m *memStore) RevokeUserAccessTokens(_ context.Context, username string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, errConnRefused
	}
	var n int64
	for _, t := range m.tokens {
		if t.Username == username && t.Kind == KindAccess && !t.Revoked {
			t.Revoked = true
			n++
		}
	}
	return n, nil
}

func (m *memStore) liveAccessTokens(username string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, t := range m.tokens {
		if t.Username == username && t.Kind == KindAccess && !t.Revoked {
			count++
		}
	}
	return count
}

func newTestService(t *testing.T, store Store, cfg ServiceConfig) *Service {
	t.Helper()
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 30 * 24 * time.Hour
	}
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewService(store, NewCodec(codecSecret), NewHasher(4), cfg, logger, nil)
}

func seedUser(t *testing.T, store *memStore, username, password string, scopes []string, active bool) {
	t.Helper()
	hash, err := NewHasher(4).Hash(password)
	require.NoError(t, err)
	store.users[username] = &User{
		ID:           int64(len(store.users) + 1),
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		Scopes:       NormalizeScopes(scopes),
		Active:       active,
	}
}

func TestLogin(t *testing.T) {
	store := newMemStore()
	seedUser(t, store, "alice", "correct", []string{"chat:base", "models:read"}, true)
	seedUser(t, store, "mallory", "pw", []string{"chat:base"}, false)
	svc := newTestService(t, store, ServiceConfig{})
	ctx := context.Background()

	t.Run("empty requested scopes grant all user scopes", func(t *testing.T) {
		issued, err := svc.Login(ctx, "alice", "correct", nil)
		require.NoError(t, err)
		assert.Equal(t, KindSession, issued.Kind)
		require.NotNil(t, issued.ExpiresAt)

		claims, err := NewCodec(codecSecret).Decode(issued.Token)
		require.NoError(t, err)
		assert.Equal(t, []string{"chat:base", "models:read"}, claims.Scopes)
		assert.Equal(t, "alice", claims.Subject)

		require.NotNil(t, store.users["alice"].LastLoginAt)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := svc.Login(ctx, "alice", "wrong", nil)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unknown user is indistinguishable from wrong password", func(t *testing.T) {
		_, err := svc.Login(ctx, "nobody", "whatever", nil)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("inactive user is indistinguishable from wrong password", func(t *testing.T) {
		_, err := svc.Login(ctx, "mallory", "pw", nil)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unknown requested scopes are dropped silently", func(t *testing.T) {
		issued, err := svc.Login(ctx, "alice", "correct", []string{"chat:base", "superpowers"})
		require.NoError(t, err)

		claims, err := NewCodec(codecSecret).Decode(issued.Token)
		require.NoError(t, err)
		assert.Equal(t, []string{"chat:base"}, claims.Scopes)
	})

	t.Run("empty intersection is an error", func(t *testing.T) {
		_, err := svc.Login(ctx, "alice", "correct", []string{"superpowers"})
		assert.ErrorIs(t, err, ErrNoMatchingScopes)
	})
}

func TestRefreshRotation(t *testing.T) {
	store := newMemStore()
	seedUser(t, store, "alice", "correct", []string{"chat:base"}, true)
	svc := newTestService(t, store, ServiceConfig{})
	ctx := context.Background()

	session, err := svc.Login(ctx, "alice", "correct", nil)
	require.NoError(t, err)

	first, err := svc.Refresh(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, KindAccess, first.Kind)
	require.NotNil(t, first.ExpiresAt)
	assert.Equal(t, 1, store.liveAccessTokens("alice"))

	// First access token authorizes until a second refresh supersedes it.
	_, err = svc.Authorize(ctx, first.Token, "chat:base")
	require.NoError(t, err)

	second, err := svc.Refresh(ctx, first.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, store.liveAccessTokens("alice"))

	_, err = svc.Authorize(ctx, first.Token, "chat:base")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Authorize(ctx, second.Token, "chat:base")
	require.NoError(t, err)

	require.NotNil(t, store.users["alice"].LastRefreshAt)
}

func TestRefreshConcurrent(t *testing.T) {
	store := newMemStore()
	seedUser(t, store, "alice", "correct", []string{"chat:base"}, true)
	svc := newTestService(t, store, ServiceConfig{})
	ctx := context.Background()

	session, err := svc.Login(ctx, "alice", "correct", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Refresh(ctx, session.Token)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// However the refreshes interleave, at most one access token survives.
	assert.Equal(t, 1, store.liveAccessTokens("alice"))
}

func TestRefreshRejectsInvalidTokens(t *testing.T) {
	store := newMemStore()
	seedUser(t, store, "alice", "correct", []string{"chat:base"}, true)
	svc := newTestService(t, store, ServiceConfig{})
	ctx := context.Background()

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.Refresh(ctx, "garbage")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("signed but never issued", func(t *testing.T) {
		signed, _, err := NewCodec(codecSecret).Encode(Claims{Subject: "alice", Scopes: []string{"chat:base"}, Kind: KindSession})
		require.NoError(t, err)
		_, err = svc.Refresh(ctx, signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("owner deactivated after issuance", func(t *testing.T) {
		session, err := svc.Login(ctx, "alice", "correct", nil)
		require.NoError(t, err)

		store.users["alice"].Active = false
		defer func() { store.users["alice"].Active = true }()

		_, err = svc.Refresh(ctx, session.Token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestAuthorize(t *testing.T) {
	store := newMemStore()
	seedUser(t, store, "alice", "correct", []string{"chat:base", "models:read"}, true)
	svc := newTestService(t, store, ServiceConfig{})
	ctx := context.Background()

	session, err := svc.Login(ctx, "alice", "correct", nil)
	require.NoError(t, err)

	t.Run("success attaches effective scopes", func(t *testing.T) {
		p, err := svc.Authorize(ctx, session.Token, "chat:base")
		require.NoError(t, err)
		assert.Equal(t, "alice", p.Username)
		assert.Equal(t, []string{"chat:base", "models:read"}, p.Scopes)
		assert.Equal(t, KindSession, p.Kind)
		assert.NotEmpty(t, p.TokenID)
	})

	t.Run("no required scope means any valid token", func(t *testing.T) {
		_, err := svc.Authorize(ctx, session.Token, "")
		assert.NoError(t, err)
	})

	t.Run("missing required scope is forbidden", func(t *testing.T) {
		_, err := svc.Authorize(ctx, session.Token, "admin")
		assert.ErrorIs(t, err, ErrInsufficientScope)
	})

	t.Run("empty bearer", func(t *testing.T) {
		_, err := svc.Authorize(ctx, "", "chat:base")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("scope narrowing is live", func(t *testing.T) {
		// Token was issued with models:read; removing it from the user
		// narrows the effective set immediately, no revocation needed.
		store.users["alice"].Scopes = []string{"chat:base"}
		defer func() { store.users["alice"].Scopes = []string{"chat:base", "models:read"} }()

		p, err := svc.Authorize(ctx, session.Token, "chat:base")
		require.NoError(t, err)
		assert.Equal(t, []string{"chat:base"}, p.Scopes)

		_, err = svc.Authorize(ctx, session.Token, "models:read")
		assert.ErrorIs(t, err, ErrInsufficientScope)
	})

	t.Run("inactive user is forbidden not unauthenticated", func(t *testing.T) {
		store.users["alice"].Active = false
		defer func() { store.users["alice"].Active = true }()

		_, err := svc.Authorize(ctx, session.Token, "chat:base")
		assert.ErrorIs(t, err, ErrUserInactive)
	})

	t.Run("store failure fails closed", func(t *testing.T) {
		store.down = true
		defer func() { store.down = false }()

		_, err := svc.Authorize(ctx, session.Token, "chat:base")
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	})
}

func TestAdminNeverExpires(t *testing.T) {
	store := newMemStore()
	seedUser(t, store, "root", "correct", []string{"admin", "chat:base"}, true)
	seedUser(t, store, "alice", "correct", []string{"chat:base"}, true)
	ctx := context.Background()

	t.Run("admin refresh yields no expiry when configured", func(t *testing.T) {
		svc := newTestService(t, store, ServiceConfig{AdminNeverExpires: true})

		session, err := svc.Login(ctx, "root", "correct", nil)
		require.NoError(t, err)

		access, err := svc.Refresh(ctx, session.Token)
		require.NoError(t, err)
		assert.Nil(t, access.ExpiresAt)

		claims, err := NewCodec(codecSecret).Decode(access.Token)
		require.NoError(t, err)
		assert.Nil(t, claims.ExpiresAt)

		_, err = svc.Authorize(ctx, access.Token, "admin")
		assert.NoError(t, err)
	})

	t.Run("non-admin always gets expiry", func(t *testing.T) {
		svc := newTestService(t, store, ServiceConfig{AdminNeverExpires: true})

		session, err := svc.Login(ctx, "alice", "correct", nil)
		require.NoError(t, err)

		access, err := svc.Refresh(ctx, session.Token)
		require.NoError(t, err)
		assert.NotNil(t, access.ExpiresAt)
	})

	t.Run("admin gets expiry when flag is off", func(t *testing.T) {
		svc := newTestService(t, store, ServiceConfig{AdminNeverExpires: false})

		session, err := svc.Login(ctx, "root", "correct", nil)
		require.NoError(t, err)

		access, err := svc.Refresh(ctx, session.Token)
		require.NoError(t, err)
		assert.NotNil(t, access.ExpiresAt)
	})
}

func TestAdminIssue(t *testing.T) {
	store := newMemStore()
	seedUser(t, store, "root", "correct", []string{"admin"}, true)
	seedUser(t, store, "alice", "correct", []string{"chat:base", "models:read"}, true)
	svc := newTestService(t, store, ServiceConfig{AdminNeverExpires: true})
	ctx := context.Background()

	admin := &Principal{Username: "root", Scopes: []string{"admin"}, Kind: KindAccess}
	nonAdmin := &Principal{Username: "alice", Scopes: []string{"chat:base"}, Kind: KindAccess}

	t.Run("defaults to target's full scope set", func(t *testing.T) {
		issued, err := svc.AdminIssue(ctx, admin, "alice", nil)
		require.NoError(t, err)
		assert.Equal(t, KindAccess, issued.Kind)

		claims, err := NewCodec(codecSecret).Decode(issued.Token)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.Subject)
		assert.Equal(t, []string{"chat:base", "models:read"}, claims.Scopes)
	})

	t.Run("never-expires follows the target's scopes not the admin's", func(t *testing.T) {
		issued, err := svc.AdminIssue(ctx, admin, "alice", nil)
		require.NoError(t, err)
		// alice is not admin, so her token expires even under the flag.
		assert.NotNil(t, issued.ExpiresAt)
	})

	t.Run("rotation applies", func(t *testing.T) {
		_, err := svc.AdminIssue(ctx, admin, "alice", nil)
		require.NoError(t, err)
		_, err = svc.AdminIssue(ctx, admin, "alice", nil)
		require.NoError(t, err)
		assert.Equal(t, 1, store.liveAccessTokens("alice"))
	})

	t.Run("non-admin actor", func(t *testing.T) {
		_, err := svc.AdminIssue(ctx, nonAdmin, "alice", nil)
		assert.ErrorIs(t, err, ErrInsufficientScope)
	})

	t.Run("unknown target", func(t *testing.T) {
		_, err := svc.AdminIssue(ctx, admin, "nobody", nil)
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestAdminRevoke(t *testing.T) {
	store := newMemStore()
	seedUser(t, store, "root", "correct", []string{"admin"}, true)
	seedUser(t, store, "alice", "correct", []string{"chat:base"}, true)
	svc := newTestService(t, store, ServiceConfig{})
	ctx := context.Background()

	admin := &Principal{Username: "root", Scopes: []string{"admin"}, Kind: KindAccess}

	issued, err := svc.AdminIssue(ctx, admin, "alice", nil)
	require.NoError(t, err)

	_, err = svc.Authorize(ctx, issued.Token, "chat:base")
	require.NoError(t, err)

	require.NoError(t, svc.AdminRevoke(ctx, admin, "alice"))

	// Revocation is immediate: the very next authorize fails regardless
	// of the token's embedded expiry.
	_, err = svc.Authorize(ctx, issued.Token, "chat:base")
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Idempotent.
	assert.NoError(t, svc.AdminRevoke(ctx, admin, "alice"))

	assert.ErrorIs(t, svc.AdminRevoke(ctx, admin, "nobody"), ErrUserNotFound)
	assert.ErrorIs(t, svc.AdminRevoke(ctx, &Principal{Username: "alice"}, "alice"), ErrInsufficientScope)
}

func TestChangePassword(t *testing.T) {
	store := newMemStore()
	seedUser(t, store, "alice", "old-password", []string{"chat:base"}, true)
	svc := newTestService(t, store, ServiceConfig{})
	ctx := context.Background()

	t.Run("wrong current password", func(t *testing.T) {
		err := svc.ChangePassword(ctx, "alice", "wrong", "new-password")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("success", func(t *testing.T) {
		require.NoError(t, svc.ChangePassword(ctx, "alice", "old-password", "new-password"))

		_, err := svc.Login(ctx, "alice", "old-password", nil)
		assert.ErrorIs(t, err, ErrInvalidCredentials)

		_, err = svc.Login(ctx, "alice", "new-password", nil)
		assert.NoError(t, err)
	})
}

package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"

	"github.com/vnmchuo/genai-studio/internal/auth"
	"github.com/vnmchuo/genai-studio/internal/quota"
	"github.com/vnmchuo/genai-studio/pkg/ratelimit"
)

type fakeKeys struct {
	created []*auth.APIKey
	revoked []string
}

func (f *fakeKeys) GetByKey(ctx context.Context, key string) (*auth.APIKey, error) {
	return nil, auth.ErrKeyNotFound
}

func (f *fakeKeys) Create(ctx context.Context, apiKey *auth.APIKey) error {
	apiKey.ID = "key-7"
	f.created = append(f.created, apiKey)
	return nil
}

func (f *fakeKeys) Revoke(ctx context.Context, keyID string) error {
	if keyID != "key-7" {
		return auth.ErrKeyNotFound
	}
	f.revoked = append(f.revoked, keyID)
	return nil
}

// fixedWindow reports the same window for every caller.
type fixedWindow struct {
	res  extratelimit.Result
	err  error
	keys []string
}

func (f *fixedWindow) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return f.AllowN(ctx, key, 1)
}

func (f *fixedWindow) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return nil, errors.New("usage must not count requests")
}

func (f *fixedWindow) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	res := f.res
	return &res, nil
}

func run(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	closed := false
	a.close = func() { closed = true }

	cmd := newRootCmd(func(ctx context.Context) (*app, error) { return a, nil })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	if err == nil {
		assert.True(t, closed, "stores should be closed after the command")
	}
	return out.String(), err
}

func TestUsageAndReset(t *testing.T) {
	store := quota.NewMemoryStore()
	store.Seed("user_1", 5)
	a := &app{gate: quota.NewGate(store, 5), resetter: store}

	out, err := run(t, a, "usage", "user_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1: 5/5 used\n", out)

	out, err = run(t, a, "reset", "user_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1 reset\n", out)

	out, err = run(t, a, "usage", "user_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1: 0/5 used\n", out)
}

func TestUsage_ShowsRateWindow(t *testing.T) {
	store := quota.NewMemoryStore()
	store.Seed("user_1", 2)
	window := &fixedWindow{res: extratelimit.Result{Allowed: true, Remaining: 57, Limit: 60}}
	a := &app{gate: quota.NewGate(store, 5), limiter: ratelimit.NewLimiter(window)}

	out, err := run(t, a, "usage", "user_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1: 2/5 used\nrate: 57/60 requests left this minute\n", out)
	assert.Equal(t, []string{"ratelimit:caller:user_1"}, window.keys)
}

func TestUsage_RateWindowUnavailable(t *testing.T) {
	window := &fixedWindow{err: errors.New("redis: connection refused")}
	a := &app{gate: quota.NewGate(quota.NewMemoryStore(), 5), limiter: ratelimit.NewLimiter(window)}

	_, err := run(t, a, "usage", "user_1")
	assert.ErrorContains(t, err, "connection refused")
}

func TestReset_UnknownUser(t *testing.T) {
	store := quota.NewMemoryStore()
	a := &app{gate: quota.NewGate(store, 5), resetter: store}

	out, err := run(t, a, "reset", "nobody")
	require.NoError(t, err)
	assert.Equal(t, "nobody has no usage recorded\n", out)
}

func TestReset_Unsupported(t *testing.T) {
	a := &app{gate: quota.NewGate(quota.NewMemoryStore(), 5)}

	_, err := run(t, a, "reset", "user_1")
	assert.Error(t, err)
}

func TestKeysCreateAndRevoke(t *testing.T) {
	keys := &fakeKeys{}
	a := &app{keys: keys}

	out, err := run(t, a, "keys", "create", "user_9")
	require.NoError(t, err)
	require.Len(t, keys.created, 1)
	assert.Equal(t, "user_9", keys.created[0].UserID)
	assert.Contains(t, out, "id:  key-7")
	assert.Contains(t, out, "key: gs_")

	out, err = run(t, a, "keys", "revoke", "key-7")
	require.NoError(t, err)
	assert.Equal(t, []string{"key-7"}, keys.revoked)
	assert.Equal(t, "key-7 revoked\n", out)

	_, err = run(t, a, "keys", "revoke", "missing")
	assert.ErrorIs(t, err, auth.ErrKeyNotFound)
}

func TestKeys_RequireDatabase(t *testing.T) {
	_, err := run(t, &app{}, "keys", "create", "user_9")
	assert.Error(t, err)
}

func TestSession(t *testing.T) {
	a := &app{sessionSecret: "s3cret"}

	out, err := run(t, a, "session", "user_5", "--ttl", "1h")
	require.NoError(t, err)

	userID, err := auth.ParseSession("s3cret", strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "user_5", userID)
}

func TestSession_NoSecret(t *testing.T) {
	_, err := run(t, &app{}, "session", "user_5")
	assert.ErrorIs(t, err, auth.ErrInvalidSession)
}

func TestMigrate(t *testing.T) {
	called := false
	a := &app{migrate: func(ctx context.Context) error {
		called = true
		return nil
	}}

	out, err := run(t, a, "migrate")
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "schema up to date\n", out)
}

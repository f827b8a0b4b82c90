package seeder

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnmchuo/genai-studio/internal/auth"
)

type memoryKeys struct {
	created []*auth.APIKey
	err     error
}

func (m *memoryKeys) GetByKey(ctx context.Context, key string) (*auth.APIKey, error) {
	for _, k := range m.created {
		if k.KeyHash == auth.HashKey(key) {
			return k, nil
		}
	}
	return nil, auth.ErrKeyNotFound
}

func (m *memoryKeys) Create(ctx context.Context, apiKey *auth.APIKey) error {
	if m.err != nil {
		return m.err
	}
	apiKey.ID = "key-1"
	m.created = append(m.created, apiKey)
	return nil
}

func (m *memoryKeys) Revoke(ctx context.Context, keyID string) error { return nil }

func TestCreateKey(t *testing.T) {
	store := &memoryKeys{}

	raw, apiKey, err := CreateKey(context.Background(), store, "user_42")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, "gs_"))
	assert.Equal(t, "user_42", apiKey.UserID)
	assert.True(t, apiKey.Active)
	assert.NotContains(t, apiKey.KeyHash, raw)

	found, err := store.GetByKey(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "key-1", found.ID)
}

func TestCreateKey_RequiresUser(t *testing.T) {
	_, _, err := CreateKey(context.Background(), &memoryKeys{}, "")
	assert.Error(t, err)
}

func TestSeedDevAPIKey_StoreFailureIsNotFatal(t *testing.T) {
	store := &memoryKeys{err: errors.New("duplicate key")}

	SeedDevAPIKey(context.Background(), store, zap.NewNop().Sugar())
	assert.Empty(t, store.created)
}

package seeder

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vnmchuo/genai-studio/internal/auth"
)

// DevUserID owns the key created by SeedDevAPIKey.
const DevUserID = "dev_user"

// CreateKey issues a new active API key for userID. The returned raw key is
// not stored anywhere and cannot be recovered later.
func CreateKey(ctx context.Context, store auth.Store, userID string) (string, *auth.APIKey, error) {
	if userID == "" {
		return "", nil, fmt.Errorf("user id is required")
	}

	raw, keyHash, err := auth.GenerateKey()
	if err != nil {
		return "", nil, err
	}

	apiKey := &auth.APIKey{
		UserID:  userID,
		KeyHash: keyHash,
		Active:  true,
	}
	if err := store.Create(ctx, apiKey); err != nil {
		return "", nil, err
	}
	return raw, apiKey, nil
}

// SeedDevAPIKey creates a key for DevUserID and logs it so a local
// environment has a metered identity to test with.
func SeedDevAPIKey(ctx context.Context, store auth.Store, log *zap.SugaredLogger) {
	raw, apiKey, err := CreateKey(ctx, store, DevUserID)
	if err != nil {
		log.Warnw("[Seeder] failed to create dev api key", "error", err)
		return
	}
	log.Infow("[Seeder] dev api key created", "key", raw, "key_id", apiKey.ID, "user_id", DevUserID)
}

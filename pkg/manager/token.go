package manager

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// GenerateActorToken mints the credential a guest actor presents on its
// callbacks. Tokens are persisted through the FSM because the guest keeps
// them across broker restarts.
func (m *Manager) GenerateActorToken(resourceID string) (*types.ActorToken, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to generate random token: %w", err)
	}

	t := &types.ActorToken{
		Token:      hex.EncodeToString(bytes),
		ResourceID: resourceID,
		CreatedAt:  time.Now(),
	}

	if err := m.PutActorToken(t); err != nil {
		return nil, err
	}
	return t, nil
}

// ValidateActorToken resolves a presented token to the resource it was
// minted for. Unknown tokens return errdefs.ErrNotFound; callers must not
// leak which part failed.
func (m *Manager) ValidateActorToken(token string) (string, error) {
	t, err := m.GetActorToken(token)
	if err != nil {
		return "", err
	}
	return t.ResourceID, nil
}

package security

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/aegis/pkg/config"
	"github.com/aegisops/aegis/pkg/models"
)

// CredentialBroker issues just-in-time credential handles for validated
// actions. The real broker is external; the core holds handles by value and
// never inspects tokens.
type CredentialBroker interface {
	Issue(ctx context.Context, incidentID, actionID string) (models.CredentialHandle, error)
}

// LocalBroker mints opaque handles with the standard TTL. It stands in for
// the external broker in development and tests.
type LocalBroker struct {
	TTL time.Duration
	now func() time.Time
}

// NewLocalBroker returns a broker issuing handles with the default 15-minute
// TTL.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{TTL: config.DefaultCredentialTTL, now: time.Now}
}

// Issue implements CredentialBroker.
func (b *LocalBroker) Issue(_ context.Context, _, actionID string) (models.CredentialHandle, error) {
	ttl := b.TTL
	if ttl <= 0 {
		ttl = config.DefaultCredentialTTL
	}
	now := time.Now
	if b.now != nil {
		now = b.now
	}
	return models.CredentialHandle{
		Token:     uuid.NewString(),
		ActionID:  actionID,
		ExpiresAt: now().Add(ttl),
	}, nil
}

package ports

import (
	"context"

	"github.com/layer-3/wcsap/core"
)

// Logout reasons carried by published events
const (
	ReasonLogout    = "logout"
	ReasonLogoutAll = "logout_all"
)

// EventPublisher publishes events to notify other instances
type EventPublisher interface {
	PublishLogout(ctx context.Context, identity core.Identity, reason string, revoked int) error
}

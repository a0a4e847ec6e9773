package services

import (
	"context"

	"licensor/pkg/contracts/domain"
)

// EventPublisher pushes activation events to live subscribers.
// *websocket.Hub satisfies it.
type EventPublisher interface {
	PublishActivation(ctx context.Context, event domain.ActivationEvent)
}

type nopPublisher struct{}

func (nopPublisher) PublishActivation(context.Context, domain.ActivationEvent) {}

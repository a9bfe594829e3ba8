package entity

import (
	"context"
	"fmt"

	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/google/uuid"
)

// BusNotifier publishes notification.requested for the delivery channel.
type BusNotifier struct {
	publisher eventbus.EventPublisher
}

func NewBusNotifier(publisher eventbus.EventPublisher) *BusNotifier {
	return &BusNotifier{publisher: publisher}
}

func (n *BusNotifier) Notify(ctx context.Context, notification Notification) error {
	event := events.NotificationRequested{
		BaseEvent:   events.NewBaseEvent(events.NotificationRequestedEvent, notification.WorkflowID),
		ExecutionID: notification.ExecutionID,
		EntityID:    notification.EntityID,
		Recipients:  notification.Recipients,
		Channel:     notification.Channel,
		Subject:     notification.Subject,
		Message:     notification.Message,
	}

	err := n.publisher.Publish(ctx, notification.WorkflowID, event)
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	return nil
}

// BusGateway publishes capability.requested; the request counts as accepted
// once the event bus has taken it.
type BusGateway struct {
	publisher eventbus.EventPublisher
}

func NewBusGateway(publisher eventbus.EventPublisher) *BusGateway {
	return &BusGateway{publisher: publisher}
}

func (g *BusGateway) Submit(ctx context.Context, request CapabilityRequest) (CapabilityReceipt, error) {
	requestID := uuid.New().String()

	event := events.CapabilityRequested{
		BaseEvent:   events.NewBaseEvent(events.CapabilityRequestedEvent, request.WorkflowID),
		RequestID:   requestID,
		ExecutionID: request.ExecutionID,
		NodeID:      request.NodeID,
		Capability:  request.Capability,
		EntityID:    request.EntityID,
		Input:       request.Input,
	}

	err := g.publisher.Publish(ctx, request.WorkflowID, event)
	if err != nil {
		return CapabilityReceipt{}, fmt.Errorf("failed to submit capability request: %w", err)
	}

	return CapabilityReceipt{RequestID: requestID, Status: "pending_approval"}, nil
}

// Package notification provides the send_notification action.
package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/autoflow/pkg/entity"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
)

var (
	ErrMessageRequired  = errors.New("message is required")
	ErrNoRecipients     = errors.New("no recipients: set recipients or trigger on an assigned entity")
	ErrInvalidRecipient = errors.New("recipients must be strings")
)

// LimiterKey is the rate limiter bucket shared by the notifications of one workflow.
func LimiterKey(workflowID string) string {
	return "notify:" + workflowID
}

type ActionFactory struct {
	notifier entity.Notifier
	limiter  protocol.RateLimiter
}

func NewActionFactory(notifier entity.Notifier, limiter protocol.RateLimiter) *ActionFactory {
	return &ActionFactory{notifier: notifier, limiter: limiter}
}

func (f *ActionFactory) ID() string {
	return models.ActionSendNotification
}

func (f *ActionFactory) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"message"},
		"properties": map[string]any{
			"recipients": map[string]any{
				"type":        []any{"array", "string"},
				"description": "User ids. Defaults to the assignee of the trigger entity.",
				"items":       map[string]any{"type": "string"},
			},
			"message": map[string]any{"type": "string", "minLength": 1},
			"subject": map[string]any{"type": "string"},
			"channel": map[string]any{"type": "string", "enum": []any{"in_app", "email", "push"}},
		},
	}
}

func (f *ActionFactory) Create(config map[string]any) (protocol.Action, error) {
	message, _ := config["message"].(string)
	if message == "" {
		return nil, ErrMessageRequired
	}

	recipients, err := parseRecipients(config["recipients"])
	if err != nil {
		return nil, err
	}

	subject, _ := config["subject"].(string)

	channel, _ := config["channel"].(string)
	if channel == "" {
		channel = "in_app"
	}

	return &Action{
		notifier:   f.notifier,
		limiter:    f.limiter,
		recipients: recipients,
		message:    message,
		subject:    subject,
		channel:    channel,
	}, nil
}

func parseRecipients(raw any) ([]string, error) {
	switch typed := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if typed == "" {
			return nil, nil
		}

		return []string{typed}, nil
	case []string:
		return typed, nil
	case []any:
		recipients := make([]string, 0, len(typed))

		for _, item := range typed {
			text, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: got %T", ErrInvalidRecipient, item)
			}

			recipients = append(recipients, text)
		}

		return recipients, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrInvalidRecipient, raw)
	}
}

type Action struct {
	notifier   entity.Notifier
	limiter    protocol.RateLimiter
	recipients []string
	message    string
	subject    string
	channel    string
}

func (a *Action) Plan(_ context.Context, input protocol.Input) (protocol.Effect, error) {
	recipients := a.recipients
	if len(recipients) == 0 {
		if assignee, ok := input.Trigger["assigneeId"].(string); ok && assignee != "" {
			recipients = []string{assignee}
		}
	}

	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	entityID, _ := input.Trigger["entityId"].(string)

	return &effect{
		notifier: a.notifier,
		limiter:  a.limiter,
		notification: entity.Notification{
			WorkflowID:  input.WorkflowID,
			ExecutionID: input.ExecutionID,
			EntityID:    entityID,
			Recipients:  recipients,
			Channel:     a.channel,
			Subject:     a.subject,
			Message:     a.message,
		},
	}, nil
}

type effect struct {
	notifier     entity.Notifier
	limiter      protocol.RateLimiter
	notification entity.Notification
}

func (e *effect) Describe() map[string]any {
	return map[string]any{
		"recipients": e.notification.Recipients,
		"channel":    e.notification.Channel,
		"subject":    e.notification.Subject,
		"message":    e.notification.Message,
	}
}

func (e *effect) Apply(ctx context.Context) (map[string]any, error) {
	key := LimiterKey(e.notification.WorkflowID)
	if e.limiter != nil && !e.limiter.TryAcquire(key, 1) {
		return nil, &models.SafetyLimitError{Limit: models.LimitRateLimited, Detail: key}
	}

	err := e.notifier.Notify(ctx, e.notification)
	if err != nil {
		return nil, err
	}

	return map[string]any{"recipients": e.notification.Recipients, "delivered": true}, nil
}

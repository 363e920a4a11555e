// Package delivery sends proactive messages to previously captured
// Teams conversations through the Bot Framework connector API.
package delivery

import (
	"context"
	"fmt"

	"github.com/ncbridge/ncbridge/internal/util"
)

// Target addresses one conversation: the connector service URL captured
// at install time plus the conversation id.
type Target struct {
	ServiceURL     string
	ConversationID string
}

// Message is one outbound notification. NotificationID, App, and
// Subject ride along in the activity value for client-side correlation.
type Message struct {
	Text           string
	Subject        string
	NotificationID int64
	App            string
}

// Channel delivers a message to a target conversation.
type Channel interface {
	Send(ctx context.Context, target Target, msg Message) error
}

// Error is a rejected delivery. It is per-event: the scheduler logs it
// and moves on without retrying.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("delivery rejected with %d: %s", e.StatusCode, util.TruncateLog(e.Body, 256))
}

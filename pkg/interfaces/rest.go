package interfaces

import (
	"context"

	"mindhaven/pkg/types"
)

// ChatAPI is the REST surface used by the chat store.
type ChatAPI interface {
	// RecentConversations lists the latest exchange per peer.
	RecentConversations(ctx context.Context) ([]types.Conversation, error)

	// ConversationLog returns the full message log with one peer, oldest first.
	ConversationLog(ctx context.Context, peer types.ID) ([]types.ChatMessage, error)

	// OnlineUsers lists users active within the backend's presence window.
	OnlineUsers(ctx context.Context) ([]types.OnlineUser, error)

	// RandomOnlineUser picks one online user; types.ErrNoPeerAvailable when none.
	RandomOnlineUser(ctx context.Context) (*types.OnlineUser, error)
}

// NotificationAPI is the REST surface used by the notification store.
type NotificationAPI interface {
	Notifications(ctx context.Context) ([]types.Notification, error)
	MarkNotificationRead(ctx context.Context, id types.ID) error
	ClearNotifications(ctx context.Context) error
}

// CallAPI is the REST surface used by the call session controller.
type CallAPI interface {
	// CallToken requests a single-use signaling token for an appointment.
	CallToken(ctx context.Context, appointmentID types.ID) (*types.TokenGrant, error)

	// ReportCallStatus records a call lifecycle change on the backend.
	ReportCallStatus(ctx context.Context, appointmentID types.ID, report *types.CallStatusReport) error
}

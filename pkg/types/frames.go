package types

import (
	"github.com/goccy/go-json"
)

// Envelope is the discriminant shared by every frame.
type Envelope struct {
	Type string `json:"type"`
}

// ChatMessageFrame is an inbound chat delivery (or the echo of our own send).
type ChatMessageFrame struct {
	Type    string      `json:"type"`
	Message ChatMessage `json:"message" validate:"required"`
}

// OutboundChat is the payload the client sends; the server assigns the ID.
type OutboundChat struct {
	Content  string `json:"content"`
	Sender   ID     `json:"sender"`
	Receiver ID     `json:"receiver"`
}

// OutboundChatFrame is the frame written by SendMessage.
type OutboundChatFrame struct {
	Type    string       `json:"type"`
	Message OutboundChat `json:"message"`
}

// NewChatFrame builds the outbound chat frame.
func NewChatFrame(content string, sender, receiver ID) *OutboundChatFrame {
	return &OutboundChatFrame{
		Type: FrameChatMessage,
		Message: OutboundChat{
			Content:  content,
			Sender:   sender,
			Receiver: receiver,
		},
	}
}

// ModerationFrame reports that a message was flagged by the moderator.
// MessageID is absent when the backend rejected the message before saving it.
type ModerationFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	MessageID ID     `json:"message_id,omitempty"`
	Sender    string `json:"sender,omitempty"`
}

// NotificationFrame carries a push-delivered notification.
type NotificationFrame struct {
	Type         string       `json:"type"`
	Notification Notification `json:"notification" validate:"required"`
}

// CallEvent is the signaling payload of a video_call_event frame.
type CallEvent struct {
	EventType     string `json:"event_type" validate:"required,oneof=user_joined call_ended"`
	AppointmentID ID     `json:"appointment_id" validate:"required"`
	UserRole      Role   `json:"user_role" validate:"omitempty,oneof=user mentor"`
	CallDuration  *int   `json:"call_duration,omitempty" validate:"omitempty,min=0"`
}

// CallEventFrame wraps a signaling event.
type CallEventFrame struct {
	Type string    `json:"type"`
	Data CallEvent `json:"data" validate:"required"`
}

// NewUserJoinedFrame announces local presence for an appointment.
func NewUserJoinedFrame(appointmentID ID, role Role) *CallEventFrame {
	return &CallEventFrame{
		Type: FrameVideoCallEvent,
		Data: CallEvent{
			EventType:     CallEventUserJoined,
			AppointmentID: appointmentID,
			UserRole:      role,
		},
	}
}

// NewCallEndedFrame announces the end of a call with its final duration.
func NewCallEndedFrame(appointmentID ID, role Role, durationSeconds int) *CallEventFrame {
	d := durationSeconds
	return &CallEventFrame{
		Type: FrameVideoCallEvent,
		Data: CallEvent{
			EventType:     CallEventCallEnded,
			AppointmentID: appointmentID,
			UserRole:      role,
			CallDuration:  &d,
		},
	}
}

// CallStatusFrame is a server-pushed presence update.
type CallStatusFrame struct {
	Type   string       `json:"type"`
	Status CallPresence `json:"status" validate:"required"`
}

// DecodeEnvelope extracts the discriminant of a raw frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, ErrMalformedFrame
	}
	return env, nil
}

// FrameType returns the discriminant; used for metric labels on send.
func (f *OutboundChatFrame) FrameType() string { return f.Type }

// FrameType returns the discriminant; used for metric labels on send.
func (f *CallEventFrame) FrameType() string { return f.Type }

package types

import (
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Frame discriminants carried in the "type" field of every socket frame.
const (
	FrameChatMessage     = "chat_message"
	FrameAIModeration    = "ai_moderation"
	FrameNewNotification = "new_notification"
	FrameVideoCallEvent  = "video_call_event"
	FrameVideoCallStatus = "video_call_status"
)

// Signaling event types carried inside video_call_event frames.
const (
	CallEventUserJoined = "user_joined"
	CallEventCallEnded  = "call_ended"
)

// ID identifies users, messages, notifications and appointments.
// FUNCTIONAL DISCOVERY: the backend emits integer primary keys while peers and
// fixtures may use opaque strings, so both JSON forms decode into the same value
type ID string

// UnmarshalJSON accepts a JSON number, a JSON string or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	if _, err := strconv.ParseInt(string(data), 10, 64); err != nil {
		return ErrInvalidID
	}
	*id = ID(data)
	return nil
}

// MarshalJSON writes numeric IDs as JSON numbers so the backend receives the
// same primary key type it issued.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isNumeric() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) isNumeric() bool {
	if id == "" || (len(id) > 1 && id[0] == '0') {
		return false
	}
	_, err := strconv.ParseUint(string(id), 10, 64)
	return err == nil
}

// String returns the raw identifier.
func (id ID) String() string { return string(id) }

// IsZero reports whether the identifier is unset.
func (id ID) IsZero() bool { return id == "" }

// Role is a call participant role.
type Role string

const (
	RoleUser   Role = "user"
	RoleMentor Role = "mentor"
)

// Peer returns the counterpart role in a two-party call.
func (r Role) Peer() Role {
	if r == RoleMentor {
		return RoleUser
	}
	return RoleMentor
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleMentor
}

// MessageStatus is the moderation state of a chat message.
type MessageStatus string

const (
	MessageDelivered MessageStatus = "delivered"
	MessageBlocked   MessageStatus = "blocked"
)

// ChatMessage is one entry of a conversation log.
type ChatMessage struct {
	ID         ID            `json:"id" validate:"required"`
	SenderID   ID            `json:"sender" validate:"required"`
	ReceiverID ID            `json:"receiver" validate:"required"`
	Content    string        `json:"content"`
	CreatedAt  time.Time     `json:"timestamp"`
	Status     MessageStatus `json:"status,omitempty"`
}

// Involves reports whether the message was exchanged with peer.
func (m *ChatMessage) Involves(peer ID) bool {
	return m.SenderID == peer || m.ReceiverID == peer
}

// Conversation summarizes the latest exchange with one peer.
type Conversation struct {
	PeerID             ID        `json:"id"`
	PeerName           string    `json:"name"`
	LastMessageSnippet string    `json:"last_message"`
	LastMessageAt      time.Time `json:"timestamp"`
}

// Peer is the counterpart of a conversation.
type Peer struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

// OnlineUser is a user active within the backend's presence window.
type OnlineUser struct {
	ID       ID     `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// AsPeer converts the online user into a conversation peer.
func (u OnlineUser) AsPeer() Peer {
	name := u.Name
	if name == "" {
		name = u.Username
	}
	return Peer{ID: u.ID, Name: name}
}

// Notification is a pending item in the notification list.
type Notification struct {
	ID        ID        `json:"id"`
	Content   string    `json:"content" validate:"required"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}

// CallSession is the state of one video call between route entry and exit.
// ARCHITECTURAL DISCOVERY: zero StartedAt/EndedAt mean "unset"; the token is
// never serialized so snapshots can be exposed to diagnostics safely
type CallSession struct {
	AppointmentID   ID        `json:"appointment_id"`
	Token           string    `json:"-"`
	LocalJoined     bool      `json:"local_joined"`
	RemoteJoined    bool      `json:"remote_joined"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int       `json:"duration_seconds"`
}

// Ended reports whether the session has been stamped as ended.
func (s *CallSession) Ended() bool {
	return !s.EndedAt.IsZero()
}

// BothJoined reports whether local and remote presence are both established.
func (s *CallSession) BothJoined() bool {
	return s.LocalJoined && s.RemoteJoined
}

// TokenGrant is the REST response for a call token request.
type TokenGrant struct {
	Token          string `json:"token" validate:"required"`
	UID            uint32 `json:"uid"`
	IsMentorJoined bool   `json:"is_mentor_joined"`
	IsUserJoined   bool   `json:"is_user_joined"`
}

// Joined returns the presence hint for the given role.
func (g *TokenGrant) Joined(role Role) bool {
	if role == RoleMentor {
		return g.IsMentorJoined
	}
	return g.IsUserJoined
}

// CallPresence is a server-pushed presence snapshot for an appointment.
type CallPresence struct {
	AppointmentID  ID   `json:"appointment_id" validate:"required"`
	IsMentorJoined bool `json:"is_mentor_joined"`
	IsUserJoined   bool `json:"is_user_joined"`
}

// Joined returns the presence flag for the given role.
func (p *CallPresence) Joined(role Role) bool {
	if role == RoleMentor {
		return p.IsMentorJoined
	}
	return p.IsUserJoined
}

// CallStatusReport is the body posted to the call-status endpoint.
type CallStatusReport struct {
	Status       string `json:"status"`
	UserRole     Role   `json:"user_role"`
	CallDuration *int   `json:"call_duration,omitempty"`
}

// Call status values reported to the backend.
const (
	CallStatusJoined = "joined"
	CallStatusEnded  = "ended"
)

// NoticeLevel grades a user-visible transient notice.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a transient message for the presentation layer.
type Notice struct {
	Level NoticeLevel `json:"level"`
	Text  string      `json:"text"`
	Err   error       `json:"-"`
}

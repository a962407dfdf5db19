// This file contains type definitions for the realtime subsystem: the inbound
// event model, outbound frames, presence status values, configuration options,
// and the interfaces the subsystem is wired together with.
package realtime

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"
)

// Status is a user's availability state as shared across the fleet.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusAway    Status = "AWAY"
	StatusBusy    Status = "BUSY"
	StatusOffline Status = "OFFLINE"
)

// ParseStatus validates a wire status value. Unknown values are rejected so a
// client cannot write arbitrary strings into the distributed store.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return Status(s), true
	}
	return "", false
}

// Conversation identifies a typing scope: either a private pair (the
// counterpart's user id) or an activity room (the activity id).
type Conversation struct {
	ID      int64
	Private bool
}

// Inbound wire event names.
const (
	evSendPrivateMessage   = "send_private_message"
	evSendActivityMessage  = "send_activity_message"
	evSendActivityAnnounce = "send_activity_announcement"
	evTypingStart          = "typing_start"
	evTypingStop           = "typing_stop"
	evUpdateUserStatus     = "update_user_status"
	evUserHeartbeat        = "user_heartbeat"
	evJoinActivityChat     = "join_activity_chat"
	evLeaveActivityChat    = "leave_activity_chat"
	evMarkMessageRead      = "mark_message_read"
	evMessageDelivered     = "message_delivered"
)

// Outbound wire event names.
const (
	evConnectionEstablished   = "connection_established"
	evPrivateMessageReceived  = "private_message_received"
	evMessageDeliveryStatus   = "message_delivery_status"
	evActivityMessageReceived = "activity_message_received"
	evActivityMessageSent     = "activity_message_sent"
	evAnnouncementReceived    = "activity_announcement_received"
	evAnnouncementSent        = "announcement_sent"
	evUserTypingStart         = "user_typing_start"
	evUserTypingStop          = "user_typing_stop"
	evUserStatusChanged       = "user_status_changed"
	evHeartbeatAck            = "heartbeat_ack"
	evJoinedActivityChat      = "joined_activity_chat"
	evLeftActivityChat        = "left_activity_chat"
	evUserJoinedActivityChat  = "user_joined_activity_chat"
	evUserLeftActivityChat    = "user_left_activity_chat"
	evMessageReadConfirmation = "message_read_confirmation"
	evDeliveryConfirmation    = "message_delivery_confirmation"
	evMessageError            = "message_error"
	evAnnouncementError       = "announcement_error"
	evJoinChatError           = "join_chat_error"
	evTypingError             = "typing_error"
	evStatusError             = "status_error"
)

// InboundEvent is the tagged union of everything a client may send after the
// handshake. Frames are decoded into one of the concrete variants below at the
// transport boundary; the Router dispatches on the concrete type.
type InboundEvent interface {
	eventName() string
}

// PrivateMessage is a directed chat message with exactly one recipient.
type PrivateMessage struct {
	MessageID  int64  `json:"messageId"`
	SenderID   int64  `json:"senderId"`
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
}

// ActivityMessage is a room-scoped chat message broadcast to the activity's
// verified participants, excluding the sender.
type ActivityMessage struct {
	MessageID  int64  `json:"messageId"`
	SenderID   int64  `json:"senderId"`
	ActivityID int64  `json:"activityId"`
	Content    string `json:"content"`
}

// ActivityAnnouncement is an organizer-only broadcast delivered to every
// participant and additionally persisted as a durable notification.
type ActivityAnnouncement struct {
	MessageID  int64  `json:"messageId"`
	SenderID   int64  `json:"senderId"`
	ActivityID int64  `json:"activityId"`
	Content    string `json:"content"`
}

// TypingSignal marks the start or stop of typing in a conversation. A non-zero
// ReceiverID selects the private scope, otherwise ActivityID selects the room.
type TypingSignal struct {
	UserID     int64 `json:"userId"`
	ReceiverID int64 `json:"receiverId,omitempty"`
	ActivityID int64 `json:"activityId,omitempty"`
	start      bool
}

// Conversation returns the typing scope addressed by the signal. ok is false
// when the signal names neither a receiver nor an activity.
func (e TypingSignal) Conversation() (Conversation, bool) {
	if e.ReceiverID != 0 {
		return Conversation{ID: e.ReceiverID, Private: true}, true
	}
	if e.ActivityID != 0 {
		return Conversation{ID: e.ActivityID, Private: false}, true
	}
	return Conversation{}, false
}

// StatusUpdate changes the sender's fleet-visible availability.
type StatusUpdate struct {
	UserID int64  `json:"userId"`
	Status string `json:"status"`
}

// Heartbeat refreshes the sender's last-seen timestamp.
type Heartbeat struct{}

// JoinActivityChat asks to join the activity's room; verified participation
// is required.
type JoinActivityChat struct {
	ActivityID int64 `json:"activityId"`
}

// LeaveActivityChat leaves the activity's room.
type LeaveActivityChat struct {
	ActivityID int64 `json:"activityId"`
}

// MarkMessageRead is a read receipt relayed back to the original sender.
type MarkMessageRead struct {
	MessageID int64 `json:"messageId"`
	SenderID  int64 `json:"senderId"`
}

// MessageDelivered is a delivery receipt relayed back to the original sender.
type MessageDelivered struct {
	MessageID int64 `json:"messageId"`
	SenderID  int64 `json:"senderId"`
}

func (PrivateMessage) eventName() string       { return evSendPrivateMessage }
func (ActivityMessage) eventName() string      { return evSendActivityMessage }
func (ActivityAnnouncement) eventName() string { return evSendActivityAnnounce }
func (e TypingSignal) eventName() string {
	if e.start {
		return evTypingStart
	}
	return evTypingStop
}
func (StatusUpdate) eventName() string      { return evUpdateUserStatus }
func (Heartbeat) eventName() string         { return evUserHeartbeat }
func (JoinActivityChat) eventName() string  { return evJoinActivityChat }
func (LeaveActivityChat) eventName() string { return evLeaveActivityChat }
func (MarkMessageRead) eventName() string   { return evMarkMessageRead }
func (MessageDelivered) eventName() string  { return evMessageDelivered }

// Frame is the outbound wire envelope. Every message to a client carries the
// event name and a JSON payload.
type Frame struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// DeliverySummary is the acknowledgment sent back to a broadcast sender only;
// recipients receive the raw event.
type DeliverySummary struct {
	MessageID         int64     `json:"messageId"`
	DeliveredTo       int       `json:"deliveredTo"`
	TotalParticipants int       `json:"totalParticipants"`
	Timestamp         time.Time `json:"timestamp"`
}

// Notification is the durable record handed to the NotificationWriter
// collaborator when an announcement should also appear as a stored
// notification.
type Notification struct {
	RecipientID int64
	ActivityID  int64
	Title       string
	Message     string
	CreatedAt   time.Time
}

// Channel is a live bidirectional handle to one connected client. The
// Connection Registry owns Channel lifecycles for this process; everything
// else goes through this interface so tests can substitute fakes.
type Channel interface {
	SessionID() string
	SendJSON(v interface{}) error
	IsActive() bool
	Close()
}

// PubSub is the fabric used to make presence changes visible across server
// instances. A nil PubSub disables cross-instance publication; local behavior
// is unaffected.
type PubSub interface {
	Publish(topic string, data []byte) error
	Subscribe(pattern string, handler func(topic string, data []byte)) error
	Unsubscribe(pattern string) error
	Close() error
}

// MembershipService is the external collaborator answering participation
// questions. It is the source of truth; the Room/Participant cache only
// accelerates it.
type MembershipService interface {
	// VerifiedParticipants returns the ids of users whose participation in
	// the activity has reached the verified state.
	VerifiedParticipants(ctx context.Context, activityID int64) ([]int64, error)

	// IsVerifiedParticipant reports whether one user is a verified
	// participant of the activity.
	IsVerifiedParticipant(ctx context.Context, activityID, userID int64) (bool, error)

	// ActivityOwner returns the id of the organization that owns the
	// activity. Announcements are restricted to the owner.
	ActivityOwner(ctx context.Context, activityID int64) (int64, error)
}

// AccountDirectory resolves display names for user ids. Lookups are an
// enhancement; failures degrade to the numeric id.
type AccountDirectory interface {
	DisplayName(ctx context.Context, userID int64) (string, error)
}

// NotificationWriter persists notifications durably. Calls are best effort
// and must never block or fail live fan-out.
type NotificationWriter interface {
	SaveNotification(ctx context.Context, n Notification) error
}

// Options configures connection behavior and the subsystem's timers.
type Options struct {
	CheckOrigin          bool
	AllowedOrigins       []string
	ReadBufferSize       int
	WriteBufferSize      int
	MaxMessageSize       int64
	PingInterval         time.Duration
	PongWait             time.Duration
	WriteWait            time.Duration
	SendTimeout          time.Duration
	SendChannelBuffer    int
	ReceiveChannelBuffer int

	// SweepInterval is how often the Registry reconciles local entries with
	// the distributed store. StoreTimeout bounds every call into the store.
	SweepInterval time.Duration
	StoreTimeout  time.Duration

	Logger *slog.Logger
	Hooks  *Hooks
	PubSub PubSub
}

// DefaultOptions returns the option set used when none is supplied:
// 1KB buffers, 512KB max message, 30s ping with 60s pong wait, 5s bounded
// sends, a 30s sweep and 2s store timeout.
func DefaultOptions() *Options {
	return &Options{
		ReadBufferSize:       1024,
		WriteBufferSize:      1024,
		MaxMessageSize:       512 * 1024,
		PingInterval:         30 * time.Second,
		PongWait:             60 * time.Second,
		WriteWait:            10 * time.Second,
		SendTimeout:          5 * time.Second,
		SendChannelBuffer:    256,
		ReceiveChannelBuffer: 256,
		SweepInterval:        30 * time.Second,
		StoreTimeout:         2 * time.Second,
	}
}

func (o *Options) logger() *slog.Logger {
	if o != nil && o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// ServerOptions configures the HTTP server hosting the websocket endpoint.
type ServerOptions struct {
	Options            *Options
	ServerAddr         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ServerIdleTimeout  time.Duration
	ServerTLSConfig    *tls.Config
}

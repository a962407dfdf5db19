// This file contains the Event Router. Every inbound event walks the same
// lifecycle: decoded into a typed variant at the transport boundary, the
// claimed sender checked against the connection's bound identity, authorized
// against room membership where the event is activity-scoped, fanned out
// through the Dispatcher with per-recipient accounting, and acknowledged to
// the sender only. Rejection at any stage produces a wire error event and no
// state mutation.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"
)

// Router validates, authorizes, and dispatches inbound events.
type Router struct {
	registry   *Registry
	dispatcher *Dispatcher
	presence   *PresenceTracker
	typing     *TypingTracker
	rooms      *RoomCache
	membership MembershipService
	directory  AccountDirectory
	notes      NotificationWriter
	log        *slog.Logger
	hooks      *Hooks
	now        func() time.Time
}

// RouterDeps carries the collaborators a Router is wired with. Membership is
// required; Directory and Notes may be nil, in which case display names
// degrade to numeric ids and announcements are not persisted.
type RouterDeps struct {
	Registry   *Registry
	Dispatcher *Dispatcher
	Presence   *PresenceTracker
	Typing     *TypingTracker
	Rooms      *RoomCache
	Membership MembershipService
	Directory  AccountDirectory
	Notes      NotificationWriter
	Logger     *slog.Logger
	Hooks      *Hooks
}

// NewRouter creates a router from deps.
func NewRouter(deps RouterDeps) *Router {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		presence:   deps.Presence,
		typing:     deps.Typing,
		rooms:      deps.Rooms,
		membership: deps.Membership,
		directory:  deps.Directory,
		notes:      deps.Notes,
		log:        log,
		hooks:      deps.Hooks,
		now:        time.Now,
	}
}

// HandleRaw decodes one wire frame from the identified connection and routes
// it. Undecodable frames are answered with a message_error and dropped.
func (r *Router) HandleRaw(ctx context.Context, userID int64, sessionID string, data []byte) {
	event, err := decodeInbound(data)
	if err != nil {
		r.log.Warn("dropping undecodable frame", "userId", userID, "sessionId", sessionID, "error", err)
		r.reject(ctx, userID, evMessageError, err)

		return
	}
	r.HandleEvent(ctx, userID, sessionID, event)
}

// HandleEvent routes one already-decoded event from the identified
// connection.
func (r *Router) HandleEvent(ctx context.Context, userID int64, sessionID string, event InboundEvent) {
	r.hooks.metrics().EventReceived(event.eventName(), userID)

	switch ev := event.(type) {
	case PrivateMessage:
		r.handlePrivateMessage(ctx, userID, ev)
	case ActivityMessage:
		r.handleActivityMessage(ctx, userID, ev)
	case ActivityAnnouncement:
		r.handleAnnouncement(ctx, userID, ev)
	case TypingSignal:
		r.handleTyping(ctx, userID, sessionID, ev)
	case StatusUpdate:
		r.handleStatusUpdate(ctx, userID, ev)
	case Heartbeat:
		r.handleHeartbeat(ctx, userID)
	case JoinActivityChat:
		r.handleJoin(ctx, userID, ev)
	case LeaveActivityChat:
		r.handleLeave(ctx, userID, ev)
	case MarkMessageRead:
		r.handleMarkRead(ctx, userID, ev)
	case MessageDelivered:
		r.handleDelivered(ctx, userID, ev)
	default:
		r.log.Warn("no handler for event", "event", event.eventName(), "userId", userID)
	}
}

func (r *Router) handlePrivateMessage(ctx context.Context, userID int64, ev PrivateMessage) {
	if err := r.checkSender("private_message", userID, ev.SenderID); err != nil {
		r.reject(ctx, userID, evMessageError, err)

		return
	}
	if ev.ReceiverID <= 0 || ev.Content == "" {
		r.reject(ctx, userID, evMessageError, badRequest("private_message", "receiverId and content are required"))

		return
	}

	delivered := r.dispatcher.Deliver(ctx, ev.ReceiverID, Frame{
		Event: evPrivateMessageReceived,
		Payload: map[string]interface{}{
			"messageId":  ev.MessageID,
			"senderId":   ev.SenderID,
			"senderName": r.displayName(ctx, ev.SenderID),
			"content":    ev.Content,
			"timestamp":  r.now(),
		},
	})

	r.ack(ctx, userID, Frame{
		Event: evMessageDeliveryStatus,
		Payload: map[string]interface{}{
			"messageId":  ev.MessageID,
			"receiverId": ev.ReceiverID,
			"delivered":  delivered,
			"timestamp":  r.now(),
		},
	})
}

func (r *Router) handleActivityMessage(ctx context.Context, userID int64, ev ActivityMessage) {
	if err := r.checkSender("activity_message", userID, ev.SenderID); err != nil {
		r.reject(ctx, userID, evMessageError, err)

		return
	}
	if ev.ActivityID <= 0 || ev.Content == "" {
		r.reject(ctx, userID, evMessageError, badRequest("activity_message", "activityId and content are required"))

		return
	}

	// Room messages re-check participation against the collaborator, not
	// just the cache.
	verified, err := r.membership.IsVerifiedParticipant(ctx, ev.ActivityID, userID)
	if err != nil {
		r.reject(ctx, userID, evMessageError, wrapF(err, "verifying participation in activity %d", ev.ActivityID))

		return
	}
	if !verified {
		r.reject(ctx, userID, evMessageError,
			forbidden("activity_message", "sender is not a verified participant of the activity"))

		return
	}

	participants, err := r.rooms.ParticipantsOf(ctx, ev.ActivityID)
	if err != nil {
		r.reject(ctx, userID, evMessageError, err)

		return
	}

	frame := Frame{
		Event: evActivityMessageReceived,
		Payload: map[string]interface{}{
			"messageId":  ev.MessageID,
			"activityId": ev.ActivityID,
			"senderId":   ev.SenderID,
			"senderName": r.displayName(ctx, ev.SenderID),
			"content":    ev.Content,
			"timestamp":  r.now(),
		},
	}
	delivered := r.dispatcher.Broadcast(ctx, participants, userID, frame)
	total := countExcluding(participants, userID)

	r.ack(ctx, userID, Frame{
		Event: evActivityMessageSent,
		Payload: DeliverySummary{
			MessageID:         ev.MessageID,
			DeliveredTo:       delivered,
			TotalParticipants: total,
			Timestamp:         r.now(),
		},
	})
}

func (r *Router) handleAnnouncement(ctx context.Context, userID int64, ev ActivityAnnouncement) {
	if err := r.checkSender("announcement", userID, ev.SenderID); err != nil {
		r.reject(ctx, userID, evAnnouncementError, err)

		return
	}
	if ev.ActivityID <= 0 || ev.Content == "" {
		r.reject(ctx, userID, evAnnouncementError, badRequest("announcement", "activityId and content are required"))

		return
	}

	owner, err := r.membership.ActivityOwner(ctx, ev.ActivityID)
	if err != nil {
		r.reject(ctx, userID, evAnnouncementError, wrapF(err, "resolving owner of activity %d", ev.ActivityID))

		return
	}
	if owner != userID {
		r.reject(ctx, userID, evAnnouncementError,
			forbidden("announcement", "only the owning organization may send announcements"))

		return
	}

	participants, err := r.rooms.ParticipantsOf(ctx, ev.ActivityID)
	if err != nil {
		r.reject(ctx, userID, evAnnouncementError, err)

		return
	}

	frame := Frame{
		Event: evAnnouncementReceived,
		Payload: map[string]interface{}{
			"messageId":  ev.MessageID,
			"activityId": ev.ActivityID,
			"senderId":   ev.SenderID,
			"senderName": r.displayName(ctx, ev.SenderID),
			"content":    ev.Content,
			"timestamp":  r.now(),
		},
	}
	delivered := r.dispatcher.Broadcast(ctx, participants, -1, frame)

	r.persistAnnouncement(ctx, participants, ev)

	r.ack(ctx, userID, Frame{
		Event: evAnnouncementSent,
		Payload: DeliverySummary{
			MessageID:         ev.MessageID,
			DeliveredTo:       delivered,
			TotalParticipants: len(participants),
			Timestamp:         r.now(),
		},
	})
}

// persistAnnouncement hands the announcement to the NotificationWriter once
// per recipient, off the event loop. Persistence failure is accounted and
// logged per recipient, never allowed to abort the loop or block fan-out.
func (r *Router) persistAnnouncement(ctx context.Context, recipients []int64, ev ActivityAnnouncement) {
	if r.notes == nil {
		return
	}
	createdAt := r.now()
	bg := context.WithoutCancel(ctx)

	go func() {
		var failures error
		for _, recipientID := range recipients {
			err := r.notes.SaveNotification(bg, Notification{
				RecipientID: recipientID,
				ActivityID:  ev.ActivityID,
				Title:       "Activity announcement",
				Message:     ev.Content,
				CreatedAt:   createdAt,
			})
			if err != nil {
				failures = addError(failures, wrapF(err, "persist notification for user %d", recipientID))
			}
		}
		if failures != nil {
			r.hooks.metrics().Error("announcement_persistence", failures)
			r.log.Warn("announcement persistence incomplete",
				"activityId", ev.ActivityID, "messageId", ev.MessageID, "error", failures)
		}
	}()
}

func (r *Router) handleTyping(ctx context.Context, userID int64, sessionID string, ev TypingSignal) {
	if err := r.checkSender("typing", userID, ev.UserID); err != nil {
		r.reject(ctx, userID, evTypingError, err)

		return
	}
	conv, ok := ev.Conversation()
	if !ok && ev.start {
		r.reject(ctx, userID, evTypingError, badRequest("typing", "a receiverId or activityId is required"))

		return
	}

	if ev.start {
		if !conv.Private {
			// Cache-backed membership is acceptable for typing signals.
			member, err := r.rooms.IsParticipant(ctx, conv.ID, userID)
			if err != nil {
				r.reject(ctx, userID, evTypingError, err)

				return
			}
			if !member {
				r.reject(ctx, userID, evTypingError,
					forbidden("typing", "sender is not a participant of the activity"))

				return
			}
		}
		r.typing.StartTyping(ctx, sessionID, userID, conv)
		r.notifyTyping(ctx, userID, conv, evUserTypingStart)

		return
	}

	if recorded, found := r.typing.StopTyping(ctx, sessionID); found {
		conv = recorded
	} else if !ok {
		return
	}
	r.notifyTyping(ctx, userID, conv, evUserTypingStop)
}

func (r *Router) notifyTyping(ctx context.Context, userID int64, conv Conversation, event string) {
	frame := Frame{
		Event: event,
		Payload: map[string]interface{}{
			"userId":   userID,
			"userName": r.displayName(ctx, userID),
			"private":  conv.Private,
		},
	}

	if conv.Private {
		frame.Payload.(map[string]interface{})["receiverId"] = conv.ID
		r.dispatcher.Deliver(ctx, conv.ID, frame)

		return
	}

	frame.Payload.(map[string]interface{})["activityId"] = conv.ID
	participants, err := r.rooms.ParticipantsOf(ctx, conv.ID)
	if err != nil {
		r.log.Warn("typing notification skipped, participants unavailable",
			"activityId", conv.ID, "error", err)

		return
	}
	r.dispatcher.Broadcast(ctx, participants, userID, frame)
}

func (r *Router) handleStatusUpdate(ctx context.Context, userID int64, ev StatusUpdate) {
	if err := r.checkSender("status", userID, ev.UserID); err != nil {
		r.reject(ctx, userID, evStatusError, err)

		return
	}
	status, ok := ParseStatus(ev.Status)
	if !ok {
		r.reject(ctx, userID, evStatusError, badRequest("status", "unknown status value"))

		return
	}

	r.presence.SetStatus(ctx, userID, status)

	frame := Frame{
		Event: evUserStatusChanged,
		Payload: map[string]interface{}{
			"userId":    userID,
			"status":    status,
			"timestamp": r.now(),
		},
	}
	r.dispatcher.Broadcast(ctx, r.registry.LocalUsers(), userID, frame)
}

func (r *Router) handleHeartbeat(ctx context.Context, userID int64) {
	r.presence.TouchLastSeen(ctx, userID, r.now())
	r.ack(ctx, userID, Frame{
		Event:   evHeartbeatAck,
		Payload: map[string]interface{}{"timestamp": r.now()},
	})
}

func (r *Router) handleJoin(ctx context.Context, userID int64, ev JoinActivityChat) {
	if ev.ActivityID <= 0 {
		r.reject(ctx, userID, evJoinChatError, badRequest("join_chat", "activityId is required"))

		return
	}

	verified, err := r.membership.IsVerifiedParticipant(ctx, ev.ActivityID, userID)
	if err != nil {
		r.reject(ctx, userID, evJoinChatError, wrapF(err, "verifying participation in activity %d", ev.ActivityID))

		return
	}
	if !verified {
		r.reject(ctx, userID, evJoinChatError,
			forbidden("join_chat", "verified participation is required to join the chat"))

		return
	}

	// The participant set just changed; drop the cached copy so the fresh
	// read below and every read after it see the joiner.
	r.rooms.Invalidate(ctx, ev.ActivityID)

	participants, err := r.rooms.ParticipantsOf(ctx, ev.ActivityID)
	if err != nil {
		r.reject(ctx, userID, evJoinChatError, err)

		return
	}

	r.dispatcher.Broadcast(ctx, participants, userID, Frame{
		Event: evUserJoinedActivityChat,
		Payload: map[string]interface{}{
			"activityId": ev.ActivityID,
			"userId":     userID,
			"userName":   r.displayName(ctx, userID),
			"timestamp":  r.now(),
		},
	})

	r.ack(ctx, userID, Frame{
		Event: evJoinedActivityChat,
		Payload: map[string]interface{}{
			"activityId":       ev.ActivityID,
			"participantCount": len(participants),
			"timestamp":        r.now(),
		},
	})
}

func (r *Router) handleLeave(ctx context.Context, userID int64, ev LeaveActivityChat) {
	if ev.ActivityID <= 0 {
		r.reject(ctx, userID, evJoinChatError, badRequest("leave_chat", "activityId is required"))

		return
	}

	participants, err := r.rooms.ParticipantsOf(ctx, ev.ActivityID)
	if err != nil {
		r.log.Warn("leave notification skipped, participants unavailable",
			"activityId", ev.ActivityID, "error", err)
	} else {
		r.dispatcher.Broadcast(ctx, participants, userID, Frame{
			Event: evUserLeftActivityChat,
			Payload: map[string]interface{}{
				"activityId": ev.ActivityID,
				"userId":     userID,
				"userName":   r.displayName(ctx, userID),
				"timestamp":  r.now(),
			},
		})
	}

	r.ack(ctx, userID, Frame{
		Event: evLeftActivityChat,
		Payload: map[string]interface{}{
			"activityId": ev.ActivityID,
			"timestamp":  r.now(),
		},
	})
}

func (r *Router) handleMarkRead(ctx context.Context, userID int64, ev MarkMessageRead) {
	if ev.SenderID <= 0 {
		r.reject(ctx, userID, evMessageError, badRequest("read_receipt", "senderId is required"))

		return
	}
	r.dispatcher.Deliver(ctx, ev.SenderID, Frame{
		Event: evMessageReadConfirmation,
		Payload: map[string]interface{}{
			"messageId": ev.MessageID,
			"readerId":  userID,
			"timestamp": r.now(),
		},
	})
}

func (r *Router) handleDelivered(ctx context.Context, userID int64, ev MessageDelivered) {
	if ev.SenderID <= 0 {
		r.reject(ctx, userID, evMessageError, badRequest("delivery_receipt", "senderId is required"))

		return
	}
	r.dispatcher.Deliver(ctx, ev.SenderID, Frame{
		Event: evDeliveryConfirmation,
		Payload: map[string]interface{}{
			"messageId":  ev.MessageID,
			"receiverId": userID,
			"timestamp":  r.now(),
		},
	})
}

// checkSender rejects events whose claimed sender differs from the identity
// bound to the connection. Nothing is mutated on a mismatch.
func (r *Router) checkSender(scope string, boundID, claimedID int64) *Error {
	if claimedID == boundID {
		return nil
	}
	r.log.Warn("sender identity mismatch",
		"scope", scope, "boundUserId", boundID, "claimedUserId", claimedID)
	return unauthorized(scope, "sender id does not match the connected user").
		withDetails(map[string]interface{}{"claimedSenderId": claimedID})
}

func (r *Router) reject(ctx context.Context, userID int64, errorEvent string, err error) {
	code := StatusInternalServerError
	var e *Error
	if errors.As(err, &e) {
		code = e.Code
	}
	r.hooks.metrics().EventRejected(errorEvent, userID, code)
	r.dispatcher.Deliver(ctx, userID, errorFrame(errorEvent, err))
}

func (r *Router) ack(ctx context.Context, userID int64, frame Frame) {
	r.dispatcher.Deliver(ctx, userID, frame)
}

// displayName resolves the user's display name through the directory,
// degrading to the numeric id when no directory is wired or the lookup fails.
func (r *Router) displayName(ctx context.Context, userID int64) string {
	if r.directory == nil {
		return strconv.FormatInt(userID, 10)
	}
	name, err := r.directory.DisplayName(ctx, userID)
	if err != nil || name == "" {
		return strconv.FormatInt(userID, 10)
	}
	return name
}

func countExcluding(ids []int64, exclude int64) int {
	count := 0
	for _, id := range ids {
		if id != exclude {
			count++
		}
	}
	return count
}

// This file contains the wire codec. Inbound frames are decoded into the
// typed event variants exactly once, at the transport boundary; nothing past
// this point handles raw JSON or dispatches on strings.
package realtime

import (
	"encoding/json"
)

type inboundEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// decodeInbound parses a raw client frame into its typed variant. Unknown
// event names and malformed payloads are rejected with a 400-class error.
func decodeInbound(data []byte) (InboundEvent, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badRequest("codec", "malformed frame").withCause(err)
	}
	if env.Event == "" {
		return nil, badRequest("codec", "frame missing event name")
	}

	decode := func(v interface{}) error {
		if len(env.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Payload, v); err != nil {
			return badRequest(env.Event, "malformed payload").withCause(err)
		}
		return nil
	}

	switch env.Event {
	case evSendPrivateMessage:
		var ev PrivateMessage
		if err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case evSendActivityMessage:
		var ev ActivityMessage
		if err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case evSendActivityAnnounce:
		var ev ActivityAnnouncement
		if err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case evTypingStart, evTypingStop:
		var ev TypingSignal
		if err := decode(&ev); err != nil {
			return nil, err
		}
		ev.start = env.Event == evTypingStart
		return ev, nil
	case evUpdateUserStatus:
		var ev StatusUpdate
		if err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case evUserHeartbeat:
		return Heartbeat{}, nil
	case evJoinActivityChat:
		var ev JoinActivityChat
		if err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case evLeaveActivityChat:
		var ev LeaveActivityChat
		if err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case evMarkMessageRead:
		var ev MarkMessageRead
		if err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case evMessageDelivered:
		var ev MessageDelivered
		if err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	}
	return nil, notFound("codec", "unknown event "+env.Event)
}

// marshalFrame serializes an outbound value. Frames pass through unchanged;
// anything else is wrapped as-is for callers that prebuild envelopes.
func marshalFrame(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

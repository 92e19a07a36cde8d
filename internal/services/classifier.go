package services

import (
	"strings"

	"im-client/internal/models"
)

// Action is the routing decision for an inbound envelope.
type Action int

const (
	// ActionIgnore drops the envelope, usually because it belongs to a
	// room the client is not watching.
	ActionIgnore Action = iota
	// ActionControl routes the envelope to the control path: presence,
	// call signaling, typing, read receipts.
	ActionControl
	// ActionChat routes the envelope to the message normalizer.
	ActionChat
)

// Envelope types handled on the control path rather than as chat
// content.
const (
	TypeUserJoined          = "user-joined"
	TypeUserLeft            = "user-left"
	TypeRequestParticipants = "request-participants"
	TypeParticipantsList    = "participants-list"
	TypeRoomDestroyed       = "room-destroyed"
	TypeTyping              = "typing"
	TypeStopTyping          = "stop-typing"
	TypeMessageRead         = "message-read"

	signalPrefix = "webrtc-"
)

var controlTypes = map[string]struct{}{
	TypeUserJoined:          {},
	TypeUserLeft:            {},
	TypeRequestParticipants: {},
	TypeParticipantsList:    {},
	TypeRoomDestroyed:       {},
	TypeTyping:              {},
	TypeStopTyping:          {},
	TypeMessageRead:         {},
}

// IsSignalType reports whether t is connection signaling (offer,
// answer, ICE candidate). Signaling is evaluated before room filtering
// because it can legitimately arrive before the room join completes.
func IsSignalType(t string) bool {
	return strings.HasPrefix(t, signalPrefix)
}

// IsControlType reports whether t is a reserved control type.
func IsControlType(t string) bool {
	if IsSignalType(t) {
		return true
	}
	_, ok := controlTypes[t]
	return ok
}

// Classify decides how an inbound envelope should be routed given the
// currently active room. It is pure: no state is touched, and the same
// input always yields the same decision.
func Classify(env models.RoomEnvelope, currentRoom string) Action {
	if IsSignalType(env.Type) {
		return ActionControl
	}
	if currentRoom == "" || env.Room != currentRoom {
		return ActionIgnore
	}
	if IsControlType(env.Type) {
		return ActionControl
	}
	return ActionChat
}

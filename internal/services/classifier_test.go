package services

import (
	"testing"

	"im-client/internal/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		envType     string
		room        string
		currentRoom string
		want        Action
	}{
		{"chat in active room", "text", "room-1", "room-1", ActionChat},
		{"chat in other room", "text", "room-2", "room-1", ActionIgnore},
		{"chat with no active room", "text", "room-1", "", ActionIgnore},
		{"chat with empty envelope room", "text", "", "room-1", ActionIgnore},
		{"image in active room", "image", "room-1", "room-1", ActionChat},
		{"unknown type in active room", "something-new", "room-1", "room-1", ActionChat},
		{"user joined", TypeUserJoined, "room-1", "room-1", ActionControl},
		{"user left", TypeUserLeft, "room-1", "room-1", ActionControl},
		{"participants list", TypeParticipantsList, "room-1", "room-1", ActionControl},
		{"typing", TypeTyping, "room-1", "room-1", ActionControl},
		{"room destroyed", TypeRoomDestroyed, "room-1", "room-1", ActionControl},
		{"control in other room", TypeUserJoined, "room-2", "room-1", ActionIgnore},
		{"signal in active room", "webrtc-offer", "room-1", "room-1", ActionControl},
		{"signal in other room bypasses filter", "webrtc-answer", "room-2", "room-1", ActionControl},
		{"signal with no active room", "webrtc-ice-candidate", "room-1", "", ActionControl},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := models.RoomEnvelope{Room: tt.room, Type: tt.envType}
			if got := Classify(env, tt.currentRoom); got != tt.want {
				t.Fatalf("Classify(%q in %q, current %q) = %v, want %v", tt.envType, tt.room, tt.currentRoom, got, tt.want)
			}
		})
	}
}

func TestClassifyIsPure(t *testing.T) {
	env := models.RoomEnvelope{Room: "room-1", Type: "text"}
	for i := 0; i < 3; i++ {
		if got := Classify(env, "room-1"); got != ActionChat {
			t.Fatalf("call %d: got %v, want ActionChat", i, got)
		}
	}
}

func TestIsControlType(t *testing.T) {
	for _, typ := range []string{TypeUserJoined, TypeUserLeft, TypeRequestParticipants, TypeParticipantsList, TypeRoomDestroyed, TypeTyping, TypeStopTyping, TypeMessageRead, "webrtc-offer"} {
		if !IsControlType(typ) {
			t.Errorf("IsControlType(%q) = false, want true", typ)
		}
	}
	for _, typ := range []string{"text", "image", "file", "webrt-offer", ""} {
		if IsControlType(typ) {
			t.Errorf("IsControlType(%q) = true, want false", typ)
		}
	}
}

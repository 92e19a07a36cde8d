package relay

import (
	"encoding/json"
	"testing"
)

func TestInjectSequenceObjectPayload(t *testing.T) {
	out := injectSequence(json.RawMessage(`{"content":"hi","tempId":"tmp-1"}`), 7)

	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if decoded["sequenceNumber"] != float64(7) {
		t.Fatalf("sequenceNumber = %v, want 7", decoded["sequenceNumber"])
	}
	if decoded["content"] != "hi" || decoded["tempId"] != "tmp-1" {
		t.Fatalf("original fields lost: %v", decoded)
	}
}

func TestInjectSequenceStringPayload(t *testing.T) {
	out := injectSequence(json.RawMessage(`"plain text"`), 3)

	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if decoded["content"] != "plain text" {
		t.Fatalf("content = %v, want wrapped string", decoded["content"])
	}
	if decoded["sequenceNumber"] != float64(3) {
		t.Fatalf("sequenceNumber = %v, want 3", decoded["sequenceNumber"])
	}
}

func TestInjectSequenceUndecodablePayload(t *testing.T) {
	for _, raw := range []json.RawMessage{nil, json.RawMessage(`[1,2]`), json.RawMessage(`{"broken`)} {
		out := injectSequence(raw, 5)

		var decoded map[string]any
		if err := json.Unmarshal(out, &decoded); err != nil {
			t.Fatalf("failed to decode result for %q: %v", raw, err)
		}
		if decoded["sequenceNumber"] != float64(5) {
			t.Fatalf("sequenceNumber = %v, want 5", decoded["sequenceNumber"])
		}
	}
}

func TestDecodeMember(t *testing.T) {
	h := &Handler{}

	member := h.decodeMember("socket-1", json.RawMessage(`{"name":"Bob","role":"supplier"}`))
	if member.SocketID != "socket-1" || member.Name != "Bob" || string(member.Role) != "supplier" {
		t.Fatalf("member = %+v", member)
	}

	// Presence announcements use userName instead of name.
	member = h.decodeMember("socket-2", json.RawMessage(`{"userName":"Ann"}`))
	if member.Name != "Ann" {
		t.Fatalf("member = %+v, want userName fallback", member)
	}

	member = h.decodeMember("socket-3", nil)
	if member.SocketID != "socket-3" {
		t.Fatalf("member = %+v", member)
	}
}

func TestMessageTypeForContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
	}{
		{"image/png", "image"},
		{"video/mp4", "video"},
		{"audio/ogg", "audio"},
		{"application/pdf", "file"},
		{"", "file"},
	}
	for _, tt := range tests {
		if got := messageTypeForContentType(tt.contentType); got != tt.want {
			t.Errorf("messageTypeForContentType(%q) = %q, want %q", tt.contentType, got, tt.want)
		}
	}
}

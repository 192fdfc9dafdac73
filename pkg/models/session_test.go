package models

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestEncodeDecodeSession_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	s := &Session{
		UserID:       "u-1",
		Channel:      ChannelTelegram,
		CreatedAt:    now,
		LastActivity: now,
		Turns: []Turn{
			{ID: "t1", Role: RoleUser, Content: "ping", CreatedAt: now},
			{ID: "t2", Role: RoleAssistant, Content: "", CreatedAt: now.Add(time.Second),
				ToolCalls: []ToolCall{{ID: "tc1", Name: "clock", Input: json.RawMessage(`{}`)}}},
			{ID: "t3", Role: RoleTool, CreatedAt: now.Add(2 * time.Second),
				ToolResults: []ToolResult{{ToolCallID: "tc1", Content: "12:00", Kind: ResultOK}}},
		},
	}

	rec, err := EncodeSession(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if rec.SchemaVersion != SessionSchemaVersion || rec.Checksum == "" {
		t.Fatalf("envelope = %+v", rec)
	}
	got, err := DecodeSession(rec)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UserID != s.UserID || len(got.Turns) != 3 {
		t.Fatalf("round trip lost data: %+v", got)
	}
	if got.Turns[1].ToolCalls[0].Name != "clock" {
		t.Errorf("tool call not preserved")
	}

	// Serialize -> load -> serialize must be byte-identical within a schema
	// version.
	again, err := EncodeSession(got)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(rec.Session, again.Session) {
		t.Errorf("re-encoded payload differs from original")
	}
	if rec.Checksum != again.Checksum {
		t.Errorf("re-encoded checksum differs from original")
	}
}

func TestDecodeSession_ChecksumMismatch(t *testing.T) {
	rec, err := EncodeSession(&Session{UserID: "u-2"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rec.Session = json.RawMessage(`{"user_id":"tampered"}`)

	if _, err := DecodeSession(rec); err != ErrChecksumMismatch {
		t.Fatalf("tampered payload error = %v, want ErrChecksumMismatch", err)
	}
}

func TestSessionClone_Isolation(t *testing.T) {
	s := &Session{
		UserID: "u-3",
		Turns: []Turn{{
			ID:        "t1",
			Role:      RoleAssistant,
			ToolCalls: []ToolCall{{ID: "tc1", Name: "echo", Input: json.RawMessage(`{"a":1}`)}},
		}},
	}
	clone := s.Clone()
	clone.Turns[0].ToolCalls[0].Name = "mutated"
	clone.Turns[0].ToolCalls[0].Input[2] = 'x'

	if s.Turns[0].ToolCalls[0].Name != "echo" {
		t.Error("clone shares tool call slice with original")
	}
	if s.Turns[0].ToolCalls[0].Input[2] == 'x' {
		t.Error("clone shares input bytes with original")
	}
}

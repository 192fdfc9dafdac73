package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// SessionSchemaVersion is the current serialization schema for persisted
// sessions. Fields may be added within a version; removals bump it.
const SessionSchemaVersion = 1

// Session is the per-user container of ordered Turns and metadata. A user id
// is globally unique and owns exactly one Session per replica.
type Session struct {
	UserID       string      `json:"user_id"`
	Channel      ChannelType `json:"channel"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActivity time.Time   `json:"last_activity"`
	Turns        []Turn      `json:"turns"`
	Quarantined  bool        `json:"quarantined,omitempty"`
}

// SessionRecord is the durable-store envelope for a Session: a schema version
// plus a checksum over the serialized payload.
type SessionRecord struct {
	SchemaVersion int             `json:"schema_version"`
	Checksum      string          `json:"checksum"`
	Session       json.RawMessage `json:"session"`
}

// EncodeSession serializes a Session into its versioned store envelope.
func EncodeSession(s *Session) (*SessionRecord, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return &SessionRecord{
		SchemaVersion: SessionSchemaVersion,
		Checksum:      checksum(payload),
		Session:       payload,
	}, nil
}

// DecodeSession parses a store envelope back into a Session, verifying the
// checksum. Unknown future fields inside the payload are ignored, which keeps
// field addition backward compatible within a schema version.
func DecodeSession(rec *SessionRecord) (*Session, error) {
	if rec.Checksum != "" && rec.Checksum != checksum(rec.Session) {
		return nil, ErrChecksumMismatch
	}
	var s Session
	if err := json.Unmarshal(rec.Session, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy of the Session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if len(s.Turns) > 0 {
		clone.Turns = make([]Turn, len(s.Turns))
		for i := range s.Turns {
			clone.Turns[i] = *s.Turns[i].Clone()
		}
	}
	return &clone
}

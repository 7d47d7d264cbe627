package domain

import "time"

// Payload is a loosely typed JSON object as it arrives from the REST API or
// the real-time channel. Only the normalize package interprets its keys.
type Payload map[string]any

// Receipt reports that ReaderID has read MessageIDs in ChatID. An empty
// MessageIDs means the whole conversation.
type Receipt struct {
	ChatID     string
	MessageIDs []string
	ReaderID   string
	ReadAt     time.Time
}

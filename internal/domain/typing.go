package domain

import "time"

// TypingSignal says a user is typing in a chat until ExpiresAt.
type TypingSignal struct {
	ChatID    string
	UserID    string
	FullName  string
	ExpiresAt time.Time
}

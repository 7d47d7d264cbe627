package domain

import "time"

// Chat is a 1:1 conversation between a client and a craftsman.
type Chat struct {
	ID              string
	Participants    []UserSummary
	LastMessageText string
	LastMessageTime time.Time
	LastSenderID    string
	UnreadCounts    map[string]int
}

func NewChat(id string, participants ...UserSummary) *Chat {
	return &Chat{
		ID:           id,
		Participants: participants,
		UnreadCounts: make(map[string]int),
	}
}

// UnreadFor returns the unread counter of userID.
func (c *Chat) UnreadFor(userID string) int {
	if c == nil || c.UnreadCounts == nil {
		return 0
	}
	return c.UnreadCounts[userID]
}

// Peer returns the participant that is not selfID.
func (c *Chat) Peer(selfID string) UserSummary {
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p
		}
	}
	return UserSummary{FullName: UnknownUserName}
}

func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out of the store.
func (c Chat) Clone() Chat {
	out := c
	out.Participants = append([]UserSummary(nil), c.Participants...)
	out.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		out.UnreadCounts[k] = v
	}
	return out
}

// ChatPatch is a partial update of a chat's denormalized summary. Nil
// fields are left untouched.
type ChatPatch struct {
	LastMessageText *string
	LastMessageTime *time.Time
	LastSenderID    *string
	// IncrementUnread lists users whose unread counter goes up by one.
	IncrementUnread []string
	// ResetUnread lists users whose unread counter is set to zero.
	ResetUnread []string
	// UnreadCounts replaces the counters for the listed users.
	UnreadCounts map[string]int
}

// PatchFromMessage builds the summary update a new message causes. Every
// participant except the sender gets one more unread message; provisional
// messages count for nobody. The last-message fields only move forward in
// time.
func PatchFromMessage(c *Chat, m Message) ChatPatch {
	var patch ChatPatch
	if c == nil || !m.CreatedAt.Before(c.LastMessageTime) {
		text := m.Preview()
		ts := m.CreatedAt
		sender := m.Sender.ID
		patch.LastMessageText = &text
		patch.LastMessageTime = &ts
		patch.LastSenderID = &sender
	}
	if c != nil && !m.Provisional {
		for _, p := range c.Participants {
			if p.ID != m.Sender.ID {
				patch.IncrementUnread = append(patch.IncrementUnread, p.ID)
			}
		}
	}
	return patch
}

func (c *Chat) Apply(p ChatPatch) {
	if c.UnreadCounts == nil {
		c.UnreadCounts = make(map[string]int)
	}
	if p.LastMessageText != nil {
		c.LastMessageText = *p.LastMessageText
	}
	if p.LastMessageTime != nil {
		c.LastMessageTime = *p.LastMessageTime
	}
	if p.LastSenderID != nil {
		c.LastSenderID = *p.LastSenderID
	}
	for id, n := range p.UnreadCounts {
		c.UnreadCounts[id] = n
	}
	for _, id := range p.IncrementUnread {
		c.UnreadCounts[id]++
	}
	for _, id := range p.ResetUnread {
		c.UnreadCounts[id] = 0
	}
}

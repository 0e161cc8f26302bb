package domain

import (
	"time"
)

// Message types carried by queue entries and dispatch requests.
const (
	MessageTypeQueued       = "queued"
	MessageTypeIntroduction = "introduction"
)

// DefaultConversationPhase is the phase of a freshly created conversation.
const DefaultConversationPhase = "onboarding"

// QueueEntry is a pending agent waiting for its turn to speak.
type QueueEntry struct {
	AgentID     string `json:"agent_id"`
	MessageType string `json:"message_type"`
}

// ConversationState is the per-contact arbitration record.
type ConversationState struct {
	ContactID                string       `json:"contact_id"`
	ActiveAgentID            *string      `json:"active_agent_id"`
	AgentPriority            *int         `json:"agent_priority"`
	AgentQueue               []QueueEntry `json:"agent_queue"`
	LastMessageSentAt        *time.Time   `json:"last_message_sent_at"`
	MessagesSentToday        int          `json:"messages_sent_today"`
	MessagesSentThisWeek     int          `json:"messages_sent_this_week"`
	CurrentConversationPhase string       `json:"current_conversation_phase"`
	WaitingForReply          bool         `json:"waiting_for_reply"`
	HelpModeUntil            *time.Time   `json:"help_mode_until"`
	Version                  int64        `json:"version"`
	CreatedAt                time.Time    `json:"created_at"`
	UpdatedAt                time.Time    `json:"updated_at"`
}

// NewConversationState returns an empty state for a contact.
func NewConversationState(contactID string, now time.Time) *ConversationState {
	return &ConversationState{
		ContactID:                contactID,
		AgentQueue:               []QueueEntry{},
		CurrentConversationPhase: DefaultConversationPhase,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
}

// InHelpMode reports whether the help-mode override window is open at now.
func (s *ConversationState) InHelpMode(now time.Time) bool {
	return s.HelpModeUntil != nil && now.Before(*s.HelpModeUntil)
}

// IsActive reports whether agentID is the currently speaking agent.
func (s *ConversationState) IsActive(agentID string) bool {
	return s.ActiveAgentID != nil && *s.ActiveAgentID == agentID
}

// QueuedMessageType returns the message type recorded for agentID in the queue.
func (s *ConversationState) QueuedMessageType(agentID string) (string, bool) {
	for _, e := range s.AgentQueue {
		if e.AgentID == agentID {
			return e.MessageType, true
		}
	}
	return "", false
}

// SilentFor returns how long the conversation has gone without an outbound
// message. ok is false when nothing was ever sent.
func (s *ConversationState) SilentFor(now time.Time) (d time.Duration, ok bool) {
	if s.LastMessageSentAt == nil {
		return 0, false
	}
	return now.Sub(*s.LastMessageSentAt), true
}

// Clone returns a deep copy.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	c := *s
	if s.ActiveAgentID != nil {
		v := *s.ActiveAgentID
		c.ActiveAgentID = &v
	}
	if s.AgentPriority != nil {
		v := *s.AgentPriority
		c.AgentPriority = &v
	}
	if s.LastMessageSentAt != nil {
		v := *s.LastMessageSentAt
		c.LastMessageSentAt = &v
	}
	if s.HelpModeUntil != nil {
		v := *s.HelpModeUntil
		c.HelpModeUntil = &v
	}
	c.AgentQueue = make([]QueueEntry, len(s.AgentQueue))
	copy(c.AgentQueue, s.AgentQueue)
	return &c
}

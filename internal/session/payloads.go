// ABOUTME: Wire payload structs for session-manager commands and responses.
// ABOUTME: These are the JSON bodies inside wire.Envelope frames.

package session

import (
	"time"

	"github.com/2389/deskrouter/internal/queue"
	"github.com/2389/deskrouter/internal/registry"
)

// AuthenticatePayload carries the bearer token and the agent's profile.
type AuthenticatePayload struct {
	Token string       `json:"token"`
	Agent AgentProfile `json:"agent"`
}

// AgentProfile is the registration info an agent supplies on authenticate.
type AgentProfile struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Department         string   `json:"department,omitempty"`
	Capabilities       []string `json:"capabilities,omitempty"`
	SkillLevel         string   `json:"skillLevel,omitempty"`
	Languages          []string `json:"languages,omitempty"`
	MaxConcurrentChats int      `json:"maxConcurrentChats,omitempty"`
}

// UpdateStatusPayload changes the agent's availability.
type UpdateStatusPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// SendMessagePayload posts a message into a session room. IdempotencyKey
// makes retries safe: a duplicate key within the dedupe TTL is acknowledged
// but not re-broadcast.
type SendMessagePayload struct {
	SessionID      string `json:"sessionId"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// ChatRefPayload identifies a chat for accept/reject/end/info commands.
type ChatRefPayload struct {
	QueueID    string `json:"queueId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// TransferPayload moves a chat to another agent.
type TransferPayload struct {
	SessionID     string `json:"sessionId"`
	TargetAgentID string `json:"targetAgentId"`
	Reason        string `json:"reason,omitempty"`
}

// TypingPayload marks typing activity in a session room.
type TypingPayload struct {
	SessionID string `json:"sessionId"`
}

// ChatMessage is one message in a session room, also kept in the room's
// short in-memory history. Durable transcript storage lives outside this
// process and consumes the bus instead.
type ChatMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	From      string    `json:"from"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sentAt"`
}

// AssignmentOffer is the chat_assignment frame sent to the chosen agent.
type AssignmentOffer struct {
	QueueID   string             `json:"queueId"`
	SessionID string             `json:"sessionId"`
	Priority  queue.Priority     `json:"priority"`
	Customer  queue.CustomerData `json:"customer"`
	QueuedAt  time.Time          `json:"queuedAt"`
}

// QueueStatusPayload answers get_queue_status.
type QueueStatusPayload struct {
	Size             int                    `json:"size"`
	ByPriority       map[queue.Priority]int `json:"byPriority"`
	TotalProcessed   int                    `json:"totalProcessed"`
	TotalEscalations int                    `json:"totalEscalations"`
	AvgWaitSeconds   float64                `json:"avgWaitSeconds"`
}

// AgentSummary answers get_agent_list.
type AgentSummary struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Department  string          `json:"department,omitempty"`
	Status      registry.Status `json:"status"`
	ActiveChats int             `json:"activeChats"`
	MaxChats    int             `json:"maxChats"`
}

// CustomerInfoPayload answers get_customer_info.
type CustomerInfoPayload struct {
	SessionID string             `json:"sessionId"`
	Customer  queue.CustomerData `json:"customer"`
}

// HistoryPayload answers get_chat_history with the room's recent messages.
type HistoryPayload struct {
	SessionID string        `json:"sessionId"`
	Messages  []ChatMessage `json:"messages"`
}

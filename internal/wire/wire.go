// ABOUTME: JSON envelope carried over the duplex transport in both directions.
// ABOUTME: Defines the closed set of command and event type names.

package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope is the unit of exchange on a transport connection. Data holds a
// type-specific JSON payload. CorrelationID pairs a request with its eventual
// response; fire-and-forget messages omit it.
type Envelope struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Commands accepted by the session manager (client → server).
const (
	CmdAuthenticate    = "authenticate"
	CmdUpdateStatus    = "update_status"
	CmdSendMessage     = "send_message"
	CmdAcceptChat      = "accept_chat"
	CmdRejectChat      = "reject_chat"
	CmdEndChat         = "end_chat"
	CmdTransferChat    = "transfer_chat"
	CmdGetQueueStatus  = "get_queue_status"
	CmdGetAgentList    = "get_agent_list"
	CmdGetChatHistory  = "get_chat_history"
	CmdGetCustomerInfo = "get_customer_info"
	CmdTyping          = "typing"
	CmdStopTyping      = "stop_typing"
	CmdPing            = "ping"
)

// Messages emitted by the session manager (server → client).
const (
	TypeAck            = "ack"
	TypeError          = "error"
	TypePong           = "pong"
	TypeChatAssignment = "chat_assignment"
	TypeChatMessage    = "chat_message"
	TypeChatEnded      = "chat_ended"
	TypeChatTransfer   = "chat_transferred"
	TypeAgentOffline   = "agent_offline"
	TypeTyping         = "typing"
	TypeStopTyping     = "stop_typing"
	TypeNotification   = "notification"
)

// New builds an envelope with a JSON-encoded payload.
func New(msgType string, data any) (*Envelope, error) {
	env := &Envelope{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", msgType, err)
		}
		env.Data = raw
	}
	return env, nil
}

// Reply builds a response envelope carrying the correlation id of the request
// it answers.
func Reply(req *Envelope, msgType string, data any) (*Envelope, error) {
	env, err := New(msgType, data)
	if err != nil {
		return nil, err
	}
	env.CorrelationID = req.CorrelationID
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// ErrorPayload is the body of a TypeError envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// AckPayload is the body of a TypeAck envelope.
type AckPayload struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

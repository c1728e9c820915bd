// Package protocol defines the JSON messages exchanged with the inline
// completion backend over its WebSocket channel.
package protocol

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	MessageTypeConnection MessageType = "connection"
	MessageTypeStream     MessageType = "stream"
)

// Kind discriminates inbound messages. The wire format tags connection and
// stream messages with a "type" field but sends replies untagged, so Decode
// fills Kind explicitly for all three.
type Kind int

const (
	KindReply Kind = iota
	KindConnection
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindReply:
		return "reply"
	case KindConnection:
		return "connection"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Request asks the backend for a completion. Number must be unique and
// increasing for the lifetime of a client.
type Request struct {
	Number   int64  `json:"number"`
	Path     string `json:"path,omitempty"`
	Prefix   string `json:"prefix"`
	Suffix   string `json:"suffix"`
	MIME     string `json:"mime"`
	Stream   bool   `json:"stream"`
	Language string `json:"language,omitempty"`
	CellID   string `json:"cell_id,omitempty"`
}

type Item struct {
	InsertText   string `json:"insertText"`
	FilterText   string `json:"filterText,omitempty"`
	IsIncomplete bool   `json:"isIncomplete,omitempty"`
	Token        string `json:"token,omitempty"`
}

type ItemList struct {
	Items []Item `json:"items"`
}

// ErrorDetail is a backend-reported failure.
type ErrorDetail struct {
	Type      string `json:"type"`
	Title     string `json:"title,omitempty"`
	Traceback string `json:"traceback"`
}

type ConnectionAck struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"client_id"`
}

type StreamChunk struct {
	Type     MessageType  `json:"type"`
	Response Item         `json:"response"`
	ReplyTo  int64        `json:"reply_to"`
	Done     bool         `json:"done"`
	Error    *ErrorDetail `json:"error,omitempty"`
}

// Reply is the terminal response to a Request. It carries no type tag on
// the wire.
type Reply struct {
	List    ItemList     `json:"list"`
	ReplyTo int64        `json:"reply_to"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// Message is a decoded inbound message. Exactly one of Connection, Stream
// or Reply is set, matching Kind.
type Message struct {
	Kind       Kind
	Connection *ConnectionAck
	Stream     *StreamChunk
	Reply      *Reply
}

// Decode parses a raw inbound message. A missing or unrecognised type is
// treated as a reply.
func Decode(raw []byte) (Message, error) {
	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}

	switch probe.Type {
	case MessageTypeConnection:
		var ack ConnectionAck
		if err := json.Unmarshal(raw, &ack); err != nil {
			return Message{}, fmt.Errorf("decode connection message: %w", err)
		}
		return Message{Kind: KindConnection, Connection: &ack}, nil
	case MessageTypeStream:
		var chunk StreamChunk
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return Message{}, fmt.Errorf("decode stream message: %w", err)
		}
		return Message{Kind: KindStream, Stream: &chunk}, nil
	default:
		var reply Reply
		if err := json.Unmarshal(raw, &reply); err != nil {
			return Message{}, fmt.Errorf("decode reply: %w", err)
		}
		return Message{Kind: KindReply, Reply: &reply}, nil
	}
}

func NewConnectionAck(clientID string) ConnectionAck {
	return ConnectionAck{Type: MessageTypeConnection, ClientID: clientID}
}

func NewStreamChunk(replyTo int64, item Item, done bool) StreamChunk {
	return StreamChunk{Type: MessageTypeStream, Response: item, ReplyTo: replyTo, Done: done}
}

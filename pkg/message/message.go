package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/wehubfusion/Daedalus/pkg/flowfile"
)

// MaxInlineContentSize is the largest content carried inside a message.
// Larger content stays in blob storage and travels as a BlobReference.
const MaxInlineContentSize = 1.5 * 1024 * 1024

// BlobReference contains information for fetching content from blob storage.
type BlobReference struct {
	URL       string `json:"url"`       // Direct blob URL (for metadata/logging)
	Claim     string `json:"claim"`     // Content claim inside the shared repository
	SizeBytes int64  `json:"sizeBytes"` // Content size in bytes
}

// Payload carries one flow file: its identity, attributes and content
type Payload struct {
	UUID          string            `json:"uuid"`
	Attributes    map[string]string `json:"attributes"`
	Size          int64             `json:"size"`
	EntryDate     time.Time         `json:"entryDate"`
	Data          []byte            `json:"data,omitempty"`          // Inline content (for small flow files)
	BlobReference *BlobReference    `json:"blobReference,omitempty"` // Reference to blob storage (for large flow files)
}

// Message represents a flow file sent over JetStream.
// All messages are serialized to JSON for transmission and include timestamps.
type Message struct {
	// CorrelationID is a unique identifier for tracking related messages across the system
	CorrelationID string `json:"correlationId,omitempty"`

	// Relationship names the route an outgoing flow file was transferred to
	Relationship string `json:"relationship,omitempty"`

	// Payload contains the flow file
	Payload *Payload `json:"payload,omitempty"`

	// Metadata holds additional key-value pairs for the message
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is the timestamp when the message was created
	CreatedAt string `json:"createdAt"`

	// UpdatedAt is the timestamp when the message was last updated
	UpdatedAt string `json:"updatedAt"`

	// natsMsg holds the original NATS message for acknowledgment (not serialized)
	natsMsg *nats.Msg `json:"-"`
}

// NewMessage creates a new message with timestamps
func NewMessage() *Message {
	now := time.Now().Format(time.RFC3339)
	return &Message{
		Metadata:  make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewFlowFileMessage wraps ff with its content inline
func NewFlowFileMessage(ff *flowfile.FlowFile, content []byte) *Message {
	m := NewMessage()
	m.Payload = payloadOf(ff)
	m.Payload.Data = content
	return m.WithCorrelationID(ff.UUID)
}

// NewBlobFlowFileMessage wraps ff with a reference to content held in blob storage
func NewBlobFlowFileMessage(ff *flowfile.FlowFile, ref *BlobReference) *Message {
	m := NewMessage()
	m.Payload = payloadOf(ff)
	m.Payload.BlobReference = ref
	return m.WithCorrelationID(ff.UUID)
}

func payloadOf(ff *flowfile.FlowFile) *Payload {
	attrs := make(map[string]string, len(ff.Attributes))
	for k, v := range ff.Attributes {
		attrs[k] = v
	}
	return &Payload{
		UUID:       ff.UUID,
		Attributes: attrs,
		Size:       ff.Size,
		EntryDate:  ff.EntryDate,
	}
}

// WithCorrelationID sets the correlation ID for the message
func (m *Message) WithCorrelationID(correlationID string) *Message {
	m.CorrelationID = correlationID
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// WithRelationship records the relationship the flow file was transferred to
func (m *Message) WithRelationship(rel string) *Message {
	m.Relationship = rel
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// WithMetadata adds metadata to the message
func (m *Message) WithMetadata(key, value string) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// Validate checks that the message carries a usable flow file
func (m *Message) Validate() error {
	if m.Payload == nil {
		return fmt.Errorf("message has no payload")
	}
	if m.Payload.Data != nil && m.Payload.BlobReference != nil {
		return fmt.Errorf("payload %s has both inline data and a blob reference", m.Payload.UUID)
	}
	if m.HasBlobReference() && m.Payload.BlobReference.Claim == "" {
		return fmt.Errorf("payload %s blob reference has no claim", m.Payload.UUID)
	}
	return nil
}

// HasBlobReference returns true if the content is stored in blob storage
func (m *Message) HasBlobReference() bool {
	return m.Payload != nil && m.Payload.BlobReference != nil
}

// FlowFile rebuilds the flow file described by the payload.
// The content claim is left empty for inline content; the caller stores the bytes and sets it.
func (m *Message) FlowFile() *flowfile.FlowFile {
	p := m.Payload
	ff := flowfile.New()
	if p.UUID != "" {
		ff.UUID = p.UUID
	}
	for k, v := range p.Attributes {
		ff.Attributes[k] = v
	}
	ff.Attributes[flowfile.AttrUUID] = ff.UUID
	if !p.EntryDate.IsZero() {
		ff.EntryDate = p.EntryDate
	}
	ff.Size = p.Size
	if p.BlobReference != nil {
		ff.ContentClaim = p.BlobReference.Claim
		ff.Size = p.BlobReference.SizeBytes
	}
	return ff
}

// ToBytes serializes the message to JSON bytes
func (m *Message) ToBytes() ([]byte, error) {
	return json.Marshal(m)
}

// FromBytes deserializes a message from JSON bytes
func FromBytes(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// FromNATSMsg converts a NATS message to a Message
func FromNATSMsg(natsMsg *nats.Msg) (*Message, error) {
	msg, err := FromBytes(natsMsg.Data)
	if err != nil {
		return nil, err
	}
	msg.natsMsg = natsMsg
	return msg, nil
}

// Ack acknowledges the message, indicating the flow file is safely queued.
// The message will not be redelivered after acknowledgment.
func (m *Message) Ack() error {
	if m.natsMsg == nil || m.natsMsg.Reply == "" {
		return nil
	}
	return m.natsMsg.Ack()
}

// Nak negatively acknowledges the message so JetStream redelivers it.
func (m *Message) Nak() error {
	if m.natsMsg == nil || m.natsMsg.Reply == "" {
		return nil
	}
	return m.natsMsg.Nak()
}

// Term terminates delivery of the message; use it for messages that can never be processed.
func (m *Message) Term() error {
	if m.natsMsg == nil || m.natsMsg.Reply == "" {
		return nil
	}
	return m.natsMsg.Term()
}

// GetNATSMsg returns the underlying NATS message, or nil if the message was built locally.
func (m *Message) GetNATSMsg() *nats.Msg {
	return m.natsMsg
}

package models

import (
	"strconv"
	"strings"
	"time"
)

type MessageType int

const (
	MessageTypeDataChange MessageType = iota
	MessageTypeEvent
	MessageTypeCondition
	MessageTypeMetadata
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeEvent:
		return "Event"
	case MessageTypeCondition:
		return "Condition"
	case MessageTypeMetadata:
		return "Metadata"
	default:
		return "DataChange"
	}
}

// IsEvent reports whether notifications of this type carry event fields.
func (t MessageType) IsEvent() bool {
	return t == MessageTypeEvent || t == MessageTypeCondition
}

type DataValue struct {
	Value           any
	StatusCode      uint32
	SourceTimestamp time.Time
	ServerTimestamp time.Time
}

// KeyDataValuePair is one entry of a collated event value.
type KeyDataValuePair struct {
	Key   string
	Value *DataValue
}

type MonitoredItemNotificationModel struct {
	ID               string
	MessageID        string
	DataSetFieldName string
	DisplayName      string
	NodeID           string
	Value            *DataValue
	SequenceNumber   uint32
}

// EncodingContext carries the server tables needed to encode values of one
// session.
type EncodingContext struct {
	NamespaceURIs []string
	ServerURIs    []string
}

// ExpandNodeID rewrites "ns=<index>;..." into "nsu=<uri>;..." when the
// namespace index is known.
func (c *EncodingContext) ExpandNodeID(nodeID string) string {
	if c == nil || !strings.HasPrefix(nodeID, "ns=") {
		return nodeID
	}
	idx, rest, ok := strings.Cut(nodeID[3:], ";")
	if !ok {
		return nodeID
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n <= 0 || n >= len(c.NamespaceURIs) {
		return nodeID
	}
	return "nsu=" + c.NamespaceURIs[n] + ";" + rest
}

// WriterGroupMessageContext binds a notification to the writer group and
// writer that produced it.
type WriterGroupMessageContext struct {
	PublisherID    string
	WriterGroup    *WriterGroupModel
	Writer         *DataSetWriterModel
	SequenceNumber uint32
}

type SubscriptionNotificationModel struct {
	MessageType     MessageType
	SubscriptionID  string
	SequenceNumber  uint32
	Timestamp       time.Time
	Notifications   []*MonitoredItemNotificationModel
	EncodingContext *EncodingContext
	Context         *WriterGroupMessageContext
	MetaData        *DataSetMetaDataModel
	ApplicationURI  string
	EndpointURL     string
}

// MessageEnvelope is a fully built message ready for the transport.
type MessageEnvelope struct {
	Buffers         [][]byte
	ContentType     string
	ContentEncoding string
	Topic           string
	Schema          string
	RoutingKey      string
	Retain          bool
	TTL             time.Duration
	Timestamp       time.Time
	MessageID       string
}

// Size returns the total payload size of the envelope.
func (e *MessageEnvelope) Size() int {
	n := 0
	for _, b := range e.Buffers {
		n += len(b)
	}
	return n
}

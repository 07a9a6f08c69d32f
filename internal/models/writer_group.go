package models

import (
	"time"

	"github.com/google/uuid"
)

type MessageEncoding uint8

const (
	EncodingJSON MessageEncoding = 1 << iota
	EncodingUadp
	EncodingGzip
)

func (e MessageEncoding) IsJSON() bool {
	return e&EncodingJSON != 0
}

func (e MessageEncoding) IsGzip() bool {
	return e&EncodingGzip != 0
}

type NetworkMessageContentMask uint32

const (
	NetworkMessagePublisherID NetworkMessageContentMask = 1 << iota
	NetworkMessageGroupHeader
	NetworkMessageWriterGroupID
	NetworkMessageSequenceNumber
	NetworkMessagePayloadHeader
	NetworkMessageTimestamp
	NetworkMessageDataSetClassID
	NetworkMessageHeader
	NetworkMessageDataSetMessageHeader
	NetworkMessageSingleDataSetMessage
	NetworkMessageMonitoredItemMessage
)

func (m NetworkMessageContentMask) Has(flag NetworkMessageContentMask) bool {
	return m&flag != 0
}

type DataSetMessageContentMask uint32

const (
	DataSetMessageTimestamp DataSetMessageContentMask = 1 << iota
	DataSetMessageStatus
	DataSetMessageMetaDataVersion
	DataSetMessageSequenceNumber
	DataSetMessageMessageType
	DataSetMessageWriterID
	DataSetMessageWriterName
	DataSetMessageNodeID
	DataSetMessageEndpointURL
	DataSetMessageApplicationURI
	DataSetMessageDisplayName
	DataSetMessageExtensionFields
)

func (m DataSetMessageContentMask) Has(flag DataSetMessageContentMask) bool {
	return m&flag != 0
}

type DataSetFieldContentMask uint32

const (
	FieldStatusCode DataSetFieldContentMask = 1 << iota
	FieldSourceTimestamp
	FieldServerTimestamp
	FieldRawData
)

func (m DataSetFieldContentMask) Has(flag DataSetFieldContentMask) bool {
	return m&flag != 0
}

type WriterGroupMessageSettings struct {
	NetworkMessageContentMask NetworkMessageContentMask
	// MaxMessagesPerPublish of zero falls back to the encoder default.
	MaxMessagesPerPublish uint32
}

// WriterGroupModel is an immutable snapshot of one writer group. Updates
// replace the whole value.
type WriterGroupModel struct {
	WriterGroupID         string
	PublisherID           string
	Name                  string
	MessageType           MessageEncoding
	MessageSettings       *WriterGroupMessageSettings
	QueueName             string
	PublishingInterval    time.Duration
	BatchSize             int
	MaxNetworkMessageSize int
	DataSetWriters        []*DataSetWriterModel
}

type ConfigurationVersion struct {
	MajorVersion uint32
	MinorVersion uint32
}

type FieldMetaData struct {
	Name        string
	Description string
	DataType    string
	FieldID     uuid.UUID
}

type DataSetMetaDataModel struct {
	Name                 string
	Description          string
	DataSetClassID       uuid.UUID
	Fields               []FieldMetaData
	ConfigurationVersion ConfigurationVersion
}

type PublishedVariable struct {
	ID                 string
	NodeID             string
	DataSetFieldName   string
	DisplayName        string
	SamplingInterval   time.Duration
	QueueSize          uint32
	DiscardNew         bool
	PublishedAttribute uint32
}

type PublishedEvent struct {
	ID             string
	EventNotifier  string
	DisplayName    string
	SelectedFields []string
	// Condition marks condition (alarm) events.
	Condition bool
}

type PublishedDataSetSourceModel struct {
	Connection         *ConnectionModel
	PublishedVariables []PublishedVariable
	PublishedEvents    []PublishedEvent
	PublishingInterval time.Duration
}

type DataSetModel struct {
	Name            string
	DataSetMetaData *DataSetMetaDataModel
	ExtensionFields map[string]string
	DataSetSource   *PublishedDataSetSourceModel
}

type DataSetWriterMessageSettings struct {
	DataSetMessageContentMask DataSetMessageContentMask
}

type DataSetWriterModel struct {
	// DataSetWriterID distinguishes nil from empty.
	DataSetWriterID         *string
	DataSetWriterName       string
	DataSet                 *DataSetModel
	MessageSettings         *DataSetWriterMessageSettings
	DataSetFieldContentMask DataSetFieldContentMask
	MetaDataQueueName       string
	MetaDataUpdateTime      time.Duration
}

// WriterKey returns a key matching writers across writer group versions.
// A nil id and an empty id yield different keys.
func (w *DataSetWriterModel) WriterKey() string {
	if w == nil || w.DataSetWriterID == nil {
		return "\x00"
	}
	return "id:" + *w.DataSetWriterID
}

// ID returns the writer id or an empty string.
func (w *DataSetWriterModel) ID() string {
	if w == nil || w.DataSetWriterID == nil {
		return ""
	}
	return *w.DataSetWriterID
}

// MetaData returns the dataset metadata of the writer, if any.
func (w *DataSetWriterModel) MetaData() *DataSetMetaDataModel {
	if w == nil || w.DataSet == nil {
		return nil
	}
	return w.DataSet.DataSetMetaData
}

// DataSetClassID returns the class id of the writer's dataset or the zero
// uuid.
func (w *DataSetWriterModel) DataSetClassID() uuid.UUID {
	if md := w.MetaData(); md != nil {
		return md.DataSetClassID
	}
	return uuid.Nil
}

// Connection returns the source connection of the writer's dataset.
func (w *DataSetWriterModel) Connection() *ConnectionModel {
	if w == nil || w.DataSet == nil || w.DataSet.DataSetSource == nil {
		return nil
	}
	return w.DataSet.DataSetSource.Connection
}

func (w *DataSetWriterModel) ContentMask() DataSetMessageContentMask {
	if w == nil || w.MessageSettings == nil {
		return 0
	}
	return w.MessageSettings.DataSetMessageContentMask
}

// SubscriptionModel is the set of monitored items one dataset writer needs
// on its session.
type SubscriptionModel struct {
	ID                 string
	PublishingInterval time.Duration
	Variables          []PublishedVariable
	Events             []PublishedEvent
}

// Subscription derives the subscription of a writer, or nil when the writer
// has no source.
func (w *DataSetWriterModel) Subscription(defaultInterval time.Duration) *SubscriptionModel {
	if w == nil || w.DataSet == nil || w.DataSet.DataSetSource == nil {
		return nil
	}
	src := w.DataSet.DataSetSource
	interval := src.PublishingInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &SubscriptionModel{
		ID:                 w.WriterKey(),
		PublishingInterval: interval,
		Variables:          src.PublishedVariables,
		Events:             src.PublishedEvents,
	}
}

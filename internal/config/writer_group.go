package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/utils"
)

type EndpointConfig struct {
	URL             string   `json:"url"`
	AlternativeURLs []string `json:"alternative_urls,omitempty"`
	SecurityMode    string   `json:"security_mode"`
	SecurityPolicy  string   `json:"security_policy"`
	Certificate     string   `json:"certificate,omitempty"`
	Username        string   `json:"username,omitempty"`
	Password        string   `json:"password,omitempty"`
}

type VariableConfig struct {
	ID               string `json:"id"`
	NodeID           string `json:"node_id"`
	FieldName        string `json:"field_name"`
	DisplayName      string `json:"display_name"`
	SamplingInterval string `json:"sampling_interval"`
	QueueSize        uint32 `json:"queue_size"`
}

type EventConfig struct {
	ID             string   `json:"id"`
	EventNotifier  string   `json:"event_notifier"`
	DisplayName    string   `json:"display_name"`
	SelectedFields []string `json:"selected_fields"`
	Condition      bool     `json:"condition"`
}

type DataSetWriterConfig struct {
	// ID is a pointer so an absent id and an empty id stay distinct.
	ID                 *string           `json:"id"`
	Name               string            `json:"name"`
	DataSetName        string            `json:"dataset_name"`
	DataSetClassID     string            `json:"dataset_class_id"`
	MajorVersion       uint32            `json:"major_version"`
	MinorVersion       uint32            `json:"minor_version"`
	Endpoint           EndpointConfig    `json:"endpoint"`
	PublishingInterval string            `json:"publishing_interval"`
	Variables          []VariableConfig  `json:"variables"`
	Events             []EventConfig     `json:"events"`
	ExtensionFields    map[string]string `json:"extension_fields,omitempty"`
	ContentMask        []string          `json:"content_mask"`
	FieldContentMask   []string          `json:"field_content_mask"`
	MetaDataQueueName  string            `json:"metadata_queue_name"`
	MetaDataUpdateTime string            `json:"metadata_update_time"`
}

type WriterGroupConfig struct {
	WriterGroupID         string                `json:"id"`
	Name                  string                `json:"name"`
	Encoding              string                `json:"encoding"`
	Gzip                  bool                  `json:"gzip"`
	NetworkMessageMask    []string              `json:"network_message_mask"`
	MaxMessagesPerPublish uint32                `json:"max_messages_per_publish"`
	QueueName             string                `json:"queue_name"`
	PublishingInterval    string                `json:"publishing_interval"`
	BatchSize             int                   `json:"batch_size"`
	MaxNetworkMessageSize int                   `json:"max_network_message_size"`
	Writers               []DataSetWriterConfig `json:"writers"`
}

var networkMaskNames = map[string]models.NetworkMessageContentMask{
	"publisher_id":           models.NetworkMessagePublisherID,
	"group_header":           models.NetworkMessageGroupHeader,
	"writer_group_id":        models.NetworkMessageWriterGroupID,
	"sequence_number":        models.NetworkMessageSequenceNumber,
	"payload_header":         models.NetworkMessagePayloadHeader,
	"timestamp":              models.NetworkMessageTimestamp,
	"dataset_class_id":       models.NetworkMessageDataSetClassID,
	"network_message_header": models.NetworkMessageHeader,
	"dataset_message_header": models.NetworkMessageDataSetMessageHeader,
	"single_dataset_message": models.NetworkMessageSingleDataSetMessage,
	"monitored_item_message": models.NetworkMessageMonitoredItemMessage,
}

var dataSetMaskNames = map[string]models.DataSetMessageContentMask{
	"timestamp":        models.DataSetMessageTimestamp,
	"status":           models.DataSetMessageStatus,
	"metadata_version": models.DataSetMessageMetaDataVersion,
	"sequence_number":  models.DataSetMessageSequenceNumber,
	"message_type":     models.DataSetMessageMessageType,
	"writer_id":        models.DataSetMessageWriterID,
	"writer_name":      models.DataSetMessageWriterName,
	"node_id":          models.DataSetMessageNodeID,
	"endpoint_url":     models.DataSetMessageEndpointURL,
	"application_uri":  models.DataSetMessageApplicationURI,
	"display_name":     models.DataSetMessageDisplayName,
	"extension_fields": models.DataSetMessageExtensionFields,
}

var fieldMaskNames = map[string]models.DataSetFieldContentMask{
	"status_code":      models.FieldStatusCode,
	"source_timestamp": models.FieldSourceTimestamp,
	"server_timestamp": models.FieldServerTimestamp,
	"raw_data":         models.FieldRawData,
}

func parseMask[T ~uint32](names []string, table map[string]T) (T, error) {
	var mask T
	for _, name := range names {
		flag, ok := table[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("unknown mask flag %q", name)
		}
		mask |= flag
	}
	return mask, nil
}

// ToModel converts the configured writer group into its model snapshot.
func (wg *WriterGroupConfig) ToModel(publisherID string) (*models.WriterGroupModel, error) {
	encoding := models.EncodingJSON
	switch strings.ToLower(wg.Encoding) {
	case "", "json":
	case "uadp", "binary":
		encoding = models.EncodingUadp
	default:
		return nil, fmt.Errorf("writer group %s: unknown encoding %q", wg.WriterGroupID, wg.Encoding)
	}
	if wg.Gzip {
		encoding |= models.EncodingGzip
	}
	mask, err := parseMask(wg.NetworkMessageMask, networkMaskNames)
	if err != nil {
		return nil, fmt.Errorf("writer group %s: %w", wg.WriterGroupID, err)
	}
	interval, err := utils.ParseStringTime(wg.PublishingInterval)
	if err != nil {
		return nil, fmt.Errorf("writer group %s: %w", wg.WriterGroupID, err)
	}

	model := &models.WriterGroupModel{
		WriterGroupID: wg.WriterGroupID,
		PublisherID:   publisherID,
		Name:          wg.Name,
		MessageType:   encoding,
		MessageSettings: &models.WriterGroupMessageSettings{
			NetworkMessageContentMask: mask,
			MaxMessagesPerPublish:     wg.MaxMessagesPerPublish,
		},
		QueueName:             wg.QueueName,
		PublishingInterval:    interval,
		BatchSize:             wg.BatchSize,
		MaxNetworkMessageSize: wg.MaxNetworkMessageSize,
	}
	for i := range wg.Writers {
		writer, err := wg.Writers[i].toModel()
		if err != nil {
			return nil, fmt.Errorf("writer group %s: %w", wg.WriterGroupID, err)
		}
		model.DataSetWriters = append(model.DataSetWriters, writer)
	}
	return model, nil
}

func (w *DataSetWriterConfig) toModel() (*models.DataSetWriterModel, error) {
	contentMask, err := parseMask(w.ContentMask, dataSetMaskNames)
	if err != nil {
		return nil, fmt.Errorf("writer %s: %w", w.Name, err)
	}
	fieldMask, err := parseMask(w.FieldContentMask, fieldMaskNames)
	if err != nil {
		return nil, fmt.Errorf("writer %s: %w", w.Name, err)
	}
	classID := uuid.Nil
	if w.DataSetClassID != "" {
		if classID, err = uuid.Parse(w.DataSetClassID); err != nil {
			return nil, fmt.Errorf("writer %s: invalid dataset class id: %w", w.Name, err)
		}
	}
	interval, err := utils.ParseStringTime(w.PublishingInterval)
	if err != nil {
		return nil, fmt.Errorf("writer %s: %w", w.Name, err)
	}
	metaDataUpdate, err := utils.ParseStringTime(w.MetaDataUpdateTime)
	if err != nil {
		return nil, fmt.Errorf("writer %s: %w", w.Name, err)
	}

	conn := &models.ConnectionModel{Endpoint: &models.EndpointModel{
		URL:             w.Endpoint.URL,
		AlternativeURLs: w.Endpoint.AlternativeURLs,
		SecurityMode:    models.ParseSecurityMode(w.Endpoint.SecurityMode),
		SecurityPolicy:  w.Endpoint.SecurityPolicy,
		Certificate:     w.Endpoint.Certificate,
	}}
	if w.Endpoint.Username != "" {
		conn.User = &models.Credential{
			Type:     models.CredentialUserName,
			User:     w.Endpoint.Username,
			Password: w.Endpoint.Password,
		}
	}

	source := &models.PublishedDataSetSourceModel{Connection: conn, PublishingInterval: interval}
	fields := make([]models.FieldMetaData, 0, len(w.Variables))
	for _, v := range w.Variables {
		sampling := utils.ParseStringTimeOr(v.SamplingInterval, 0)
		name := v.FieldName
		if name == "" {
			name = v.NodeID
		}
		source.PublishedVariables = append(source.PublishedVariables, models.PublishedVariable{
			ID:               v.ID,
			NodeID:           v.NodeID,
			DataSetFieldName: name,
			DisplayName:      v.DisplayName,
			SamplingInterval: sampling,
			QueueSize:        v.QueueSize,
		})
		fields = append(fields, models.FieldMetaData{Name: name, FieldID: uuid.NewSHA1(uuid.NameSpaceURL, []byte(v.NodeID))})
	}
	for _, e := range w.Events {
		source.PublishedEvents = append(source.PublishedEvents, models.PublishedEvent{
			ID:             e.ID,
			EventNotifier:  e.EventNotifier,
			DisplayName:    e.DisplayName,
			SelectedFields: e.SelectedFields,
			Condition:      e.Condition,
		})
	}

	writer := &models.DataSetWriterModel{
		DataSetWriterID:   w.ID,
		DataSetWriterName: w.Name,
		DataSet: &models.DataSetModel{
			Name:            w.DataSetName,
			ExtensionFields: w.ExtensionFields,
			DataSetSource:   source,
		},
		MessageSettings:         &models.DataSetWriterMessageSettings{DataSetMessageContentMask: contentMask},
		DataSetFieldContentMask: fieldMask,
		MetaDataQueueName:       w.MetaDataQueueName,
		MetaDataUpdateTime:      metaDataUpdate,
	}
	if w.DataSetName != "" || classID != uuid.Nil {
		writer.DataSet.DataSetMetaData = &models.DataSetMetaDataModel{
			Name:                 w.DataSetName,
			DataSetClassID:       classID,
			Fields:               fields,
			ConfigurationVersion: models.ConfigurationVersion{MajorVersion: w.MajorVersion, MinorVersion: w.MinorVersion},
		}
	}
	return writer, nil
}

// WriterGroupModels converts every configured writer group.
func (c *Config) WriterGroupModels() ([]*models.WriterGroupModel, error) {
	result := make([]*models.WriterGroupModel, 0, len(c.WriterGroups))
	for i := range c.WriterGroups {
		model, err := c.WriterGroups[i].ToModel(c.PublisherID)
		if err != nil {
			return nil, err
		}
		result = append(result, model)
	}
	return result, nil
}

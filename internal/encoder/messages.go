package encoder

import (
	"bytes"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
	EncodingGzip    = "gzip"

	SchemaNetworkMessageJSON       = "application/ua+json"
	SchemaMonitoredItemMessageJSON = "application/json"
	SchemaNetworkMessageUadp       = "application/ua+uadp"
	SchemaMetaDataJSON             = "application/ua+json+metadata"
	SchemaMetaDataUadp             = "application/ua+uadp+metadata"

	messageTypeData     = "ua-data"
	messageTypeMetaData = "ua-metadata"
)

// field is one named value. Slices of fields keep their order when
// marshalled as a JSON object.
type field struct {
	Name  string `cbor:"1,keyasint"`
	Value any    `cbor:"2,keyasint"`
}

type fields []field

func (f fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(kv.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type configurationVersion struct {
	MajorVersion uint32 `json:"MajorVersion" cbor:"1,keyasint"`
	MinorVersion uint32 `json:"MinorVersion" cbor:"2,keyasint"`
}

// dataValue is the encoded form of a value when the field content mask
// asks for more than the raw value.
type dataValue struct {
	Value           any        `json:"Value" cbor:"1,keyasint"`
	StatusCode      *uint32    `json:"StatusCode,omitempty" cbor:"2,keyasint,omitempty"`
	SourceTimestamp *time.Time `json:"SourceTimestamp,omitempty" cbor:"3,keyasint,omitempty"`
	ServerTimestamp *time.Time `json:"ServerTimestamp,omitempty" cbor:"4,keyasint,omitempty"`
}

type jsonDataSetMessage struct {
	DataSetWriterID   string                `json:"DataSetWriterId,omitempty"`
	DataSetWriterName string                `json:"DataSetWriterName,omitempty"`
	SequenceNumber    *uint32               `json:"SequenceNumber,omitempty"`
	MetaDataVersion   *configurationVersion `json:"MetaDataVersion,omitempty"`
	Timestamp         *time.Time            `json:"Timestamp,omitempty"`
	Status            *uint32               `json:"Status,omitempty"`
	MessageType       string                `json:"MessageType,omitempty"`
	Payload           fields                `json:"Payload"`
}

type jsonNetworkMessage struct {
	MessageID          string `json:"MessageId"`
	MessageType        string `json:"MessageType"`
	PublisherID        string `json:"PublisherId,omitempty"`
	DataSetWriterGroup string `json:"DataSetWriterGroup,omitempty"`
	DataSetClassID     string `json:"DataSetClassId,omitempty"`
	Messages           any    `json:"Messages"`
}

// jsonMonitoredItemMessage is the legacy samples representation of one
// monitored item value.
type jsonMonitoredItemMessage struct {
	NodeID          string            `json:"NodeId,omitempty"`
	EndpointURL     string            `json:"EndpointUrl,omitempty"`
	ApplicationURI  string            `json:"ApplicationUri,omitempty"`
	DisplayName     string            `json:"DisplayName,omitempty"`
	DataSetWriterID string            `json:"DataSetWriterId,omitempty"`
	Value           any               `json:"Value"`
	SequenceNumber  *uint32           `json:"SequenceNumber,omitempty"`
	Timestamp       *time.Time        `json:"Timestamp,omitempty"`
	ExtensionFields map[string]string `json:"ExtensionFields,omitempty"`
}

type uadpDataSetMessage struct {
	DataSetWriterID string                `cbor:"1,keyasint,omitempty"`
	SequenceNumber  *uint32               `cbor:"2,keyasint,omitempty"`
	MetaDataVersion *configurationVersion `cbor:"3,keyasint,omitempty"`
	Timestamp       *time.Time            `cbor:"4,keyasint,omitempty"`
	Status          *uint32               `cbor:"5,keyasint,omitempty"`
	MessageType     uint8                 `cbor:"6,keyasint,omitempty"`
	Fields          []field               `cbor:"7,keyasint"`
}

type uadpNetworkMessage struct {
	PublisherID    string               `cbor:"1,keyasint,omitempty"`
	WriterGroupID  string               `cbor:"2,keyasint,omitempty"`
	SequenceNumber *uint16              `cbor:"3,keyasint,omitempty"`
	Timestamp      *time.Time           `cbor:"4,keyasint,omitempty"`
	DataSetClassID []byte               `cbor:"5,keyasint,omitempty"`
	PayloadHeader  []string             `cbor:"6,keyasint,omitempty"`
	Messages       []uadpDataSetMessage `cbor:"7,keyasint"`
}

type fieldMetaData struct {
	Name           string `json:"Name" cbor:"1,keyasint"`
	Description    string `json:"Description,omitempty" cbor:"2,keyasint,omitempty"`
	DataType       string `json:"DataType,omitempty" cbor:"3,keyasint,omitempty"`
	DataSetFieldID string `json:"DataSetFieldId" cbor:"4,keyasint"`
}

type dataSetMetaData struct {
	Name                 string               `json:"Name" cbor:"1,keyasint"`
	Description          string               `json:"Description,omitempty" cbor:"2,keyasint,omitempty"`
	DataSetClassID       string               `json:"DataSetClassId" cbor:"3,keyasint"`
	Fields               []fieldMetaData      `json:"Fields" cbor:"4,keyasint"`
	ConfigurationVersion configurationVersion `json:"ConfigurationVersion" cbor:"5,keyasint"`
}

type metaDataMessage struct {
	MessageID          string          `json:"MessageId" cbor:"1,keyasint"`
	MessageType        string          `json:"MessageType" cbor:"2,keyasint"`
	PublisherID        string          `json:"PublisherId,omitempty" cbor:"3,keyasint,omitempty"`
	DataSetWriterID    string          `json:"DataSetWriterId,omitempty" cbor:"4,keyasint,omitempty"`
	DataSetWriterGroup string          `json:"DataSetWriterGroup,omitempty" cbor:"5,keyasint,omitempty"`
	MetaData           dataSetMetaData `json:"MetaData" cbor:"6,keyasint"`
}

func toMetaData(md *models.DataSetMetaDataModel) dataSetMetaData {
	out := dataSetMetaData{
		Name:           md.Name,
		Description:    md.Description,
		DataSetClassID: md.DataSetClassID.String(),
		Fields:         make([]fieldMetaData, 0, len(md.Fields)),
		ConfigurationVersion: configurationVersion{
			MajorVersion: md.ConfigurationVersion.MajorVersion,
			MinorVersion: md.ConfigurationVersion.MinorVersion,
		},
	}
	for _, f := range md.Fields {
		out.Fields = append(out.Fields, fieldMetaData{
			Name:           f.Name,
			Description:    f.Description,
			DataType:       f.DataType,
			DataSetFieldID: f.FieldID.String(),
		})
	}
	return out
}

// encodeValue renders a value according to the field content mask. Raw
// data or an empty mask yields the bare value.
func encodeValue(v *models.DataValue, mask models.DataSetFieldContentMask) any {
	if v == nil {
		return nil
	}
	if pairs, ok := v.Value.([]models.KeyDataValuePair); ok {
		collated := make(fields, 0, len(pairs))
		for _, p := range pairs {
			collated = append(collated, field{Name: p.Key, Value: encodeValue(p.Value, mask)})
		}
		return collated
	}
	if mask == 0 || mask.Has(models.FieldRawData) {
		return v.Value
	}
	dv := dataValue{Value: v.Value}
	if mask.Has(models.FieldStatusCode) && v.StatusCode != 0 {
		code := v.StatusCode
		dv.StatusCode = &code
	}
	if mask.Has(models.FieldSourceTimestamp) && !v.SourceTimestamp.IsZero() {
		ts := v.SourceTimestamp.UTC()
		dv.SourceTimestamp = &ts
	}
	if mask.Has(models.FieldServerTimestamp) && !v.ServerTimestamp.IsZero() {
		ts := v.ServerTimestamp.UTC()
		dv.ServerTimestamp = &ts
	}
	return dv
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func classIDString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func marshalCBOR(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

package encoder

import (
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/logger"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
)

// chunk is one encoded message. A chunk without data stands for units that
// did not fit into the size limit on their own.
type chunk struct {
	id     string
	data   []byte
	owners []int
}

func owners(messages []*dataSetMessage) []int {
	seen := make(map[int]struct{}, len(messages))
	result := make([]int, 0, len(messages))
	for _, m := range messages {
		if _, ok := seen[m.owner]; ok {
			continue
		}
		seen[m.owner] = struct{}{}
		result = append(result, m.owner)
	}
	return result
}

func (e *Encoder) peekSequenceNumber() uint16 {
	return uint16((uint32(e.sequence) + 1) % 0x10000)
}

func (e *Encoder) commitSequenceNumber() {
	e.sequence = e.peekSequenceNumber()
}

// chunk packs the dataset messages greedily into messages of at most
// maxMessageSize bytes after compression. A size of zero or less is
// unlimited. Each dataset message is measured once and candidate chunks are
// encoded in full only to confirm the size estimate.
func (e *Encoder) chunk(m *networkMessage, maxMessageSize int) []chunk {
	fits := func(data []byte) bool {
		return maxMessageSize <= 0 || len(data) <= maxMessageSize
	}

	if m.metaData != nil {
		id := uuid.NewString()
		data, err := e.encodeMetaData(m, id)
		if err != nil {
			logger.WarnF("Failed to encode metadata of writer %s: %v", m.metaWriter.ID(), err)
		}
		if err != nil || !fits(data) {
			return []chunk{{id: id, owners: []int{m.metaOwner}}}
		}
		return []chunk{{id: id, data: data, owners: []int{m.metaOwner}}}
	}

	sizes, overhead := e.measure(m)
	// ratio is the compressed to raw size ratio of the last confirmed chunk.
	ratio := 1.0
	estimateFits := func(raw int) bool {
		return maxMessageSize <= 0 || float64(raw)*ratio <= float64(maxMessageSize)
	}

	var chunks []chunk
	for start := 0; start < len(m.messages); {
		end := start + 1
		estimate := overhead + sizes[start]
		for end < len(m.messages) && estimateFits(estimate+sizes[end]) {
			estimate += sizes[end]
			end++
		}

		id := uuid.NewString()
		data, raw, err := e.encodeNetworkMessage(m, m.messages[start:end], id, e.peekSequenceNumber())
		for (err != nil || !fits(data)) && end-start > 1 {
			end = start + shrink(end-start, len(data), maxMessageSize, err != nil)
			data, raw, err = e.encodeNetworkMessage(m, m.messages[start:end], id, e.peekSequenceNumber())
		}
		if err != nil || !fits(data) {
			if err != nil {
				logger.WarnF("Failed to encode message of writer group %s: %v", m.group.WriterGroupID, err)
			}
			chunks = append(chunks, chunk{id: id, owners: []int{m.messages[start].owner}})
			start = end
			continue
		}
		// Extend the chunk while the estimate, refined by the measured
		// compression ratio, says more messages fit.
		for {
			if len(raw) > 0 {
				ratio = float64(len(data)) / float64(len(raw))
			}
			next, estimate := end, len(raw)
			for next < len(m.messages) && estimateFits(estimate+sizes[next]) {
				estimate += sizes[next]
				next++
			}
			grown := false
			for next > end {
				more, moreRaw, err := e.encodeNetworkMessage(m, m.messages[start:next], id, e.peekSequenceNumber())
				if err == nil && fits(more) {
					data, raw, end = more, moreRaw, next
					grown = true
					break
				}
				next = end + (next-end)/2
			}
			if !grown {
				break
			}
		}

		chunks = append(chunks, chunk{id: id, data: data, owners: owners(m.messages[start:end])})
		e.commitSequenceNumber()
		start = end
	}
	return chunks
}

// measure encodes every dataset message once on its own and returns the raw
// size it adds to a network message together with the size of an empty
// network message.
func (e *Encoder) measure(m *networkMessage) ([]int, int) {
	seq := e.peekSequenceNumber()
	id := uuid.NewString()
	empty, err := e.encodeRaw(m, nil, id, seq)
	overhead := len(empty)
	if err != nil {
		overhead = 0
	}
	sizes := make([]int, len(m.messages))
	for i, d := range m.messages {
		data, err := e.encodeRaw(m, []*dataSetMessage{d}, id, seq)
		if err != nil {
			continue
		}
		// one extra byte for the separator
		sizes[i] = max(len(data)-overhead, 0) + 1
	}
	return sizes, overhead
}

// shrink returns how many of n dataset messages to try next after a
// candidate of size bytes did not fit.
func shrink(n, size, maxMessageSize int, failed bool) int {
	next := n / 2
	if !failed && size > 0 && maxMessageSize > 0 {
		next = n * maxMessageSize / size
	}
	if next >= n {
		next = n - 1
	}
	return max(next, 1)
}

// encodeNetworkMessage returns the final message and its uncompressed form.
func (e *Encoder) encodeNetworkMessage(m *networkMessage, messages []*dataSetMessage, id string, seq uint16) ([]byte, []byte, error) {
	raw, err := e.encodeRaw(m, messages, id, seq)
	if err != nil {
		return nil, nil, err
	}
	if !m.encoding().IsGzip() {
		return raw, raw, nil
	}
	data, err := compress(raw)
	if err != nil {
		return nil, nil, err
	}
	return data, raw, nil
}

func (e *Encoder) encodeRaw(m *networkMessage, messages []*dataSetMessage, id string, seq uint16) ([]byte, error) {
	switch {
	case !m.encoding().IsJSON():
		return e.encodeUadp(m, messages, seq)
	case m.samples:
		return e.encodeSamples(m, messages, id)
	default:
		return e.encodeJSON(m, messages, id)
	}
}

func groupName(group *models.WriterGroupModel) string {
	if group.Name != "" {
		return group.Name
	}
	return group.WriterGroupID
}

func (e *Encoder) encodeJSON(m *networkMessage, messages []*dataSetMessage, id string) ([]byte, error) {
	dataSetMessages := make([]any, 0, len(messages))
	for _, d := range messages {
		dataSetMessages = append(dataSetMessages, jsonDataSetMessageOf(m, d))
	}
	var body any = dataSetMessages
	if m.mask.Has(models.NetworkMessageSingleDataSetMessage) && len(dataSetMessages) == 1 {
		body = dataSetMessages[0]
	}
	if !m.mask.Has(models.NetworkMessageHeader) {
		return json.Marshal(body)
	}
	return json.Marshal(networkHeader(m, id, body))
}

func networkHeader(m *networkMessage, id string, body any) jsonNetworkMessage {
	nm := jsonNetworkMessage{MessageID: id, MessageType: messageTypeData, Messages: body}
	if m.mask.Has(models.NetworkMessagePublisherID) {
		nm.PublisherID = m.publisherID
	}
	if m.mask.Has(models.NetworkMessageWriterGroupID) {
		nm.DataSetWriterGroup = groupName(m.group)
	}
	if m.mask.Has(models.NetworkMessageDataSetClassID) {
		nm.DataSetClassID = classIDString(m.classID)
	}
	return nm
}

func payloadOf(d *dataSetMessage) fields {
	mask := d.writer.DataSetFieldContentMask
	payload := make(fields, 0, len(d.items))
	for _, item := range d.items {
		name := item.DataSetFieldName
		if name == "" {
			name = item.DisplayName
		}
		if name == "" {
			name = item.NodeID
		}
		payload = append(payload, field{Name: name, Value: encodeValue(item.Value, mask)})
	}
	if d.writer.ContentMask().Has(models.DataSetMessageExtensionFields) && d.writer.DataSet != nil {
		ext := d.writer.DataSet.ExtensionFields
		keys := make([]string, 0, len(ext))
		for k := range ext {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			payload = append(payload, field{Name: k, Value: ext[k]})
		}
	}
	return payload
}

func statusOf(d *dataSetMessage) uint32 {
	for _, item := range d.items {
		if item.Value != nil && item.Value.StatusCode != 0 {
			return item.Value.StatusCode
		}
	}
	return 0
}

func messageTypeName(t models.MessageType) string {
	switch t {
	case models.MessageTypeEvent:
		return "ua-event"
	case models.MessageTypeCondition:
		return "ua-condition"
	default:
		return "ua-keyframe"
	}
}

func jsonDataSetMessageOf(m *networkMessage, d *dataSetMessage) any {
	payload := payloadOf(d)
	if !m.mask.Has(models.NetworkMessageDataSetMessageHeader) {
		return payload
	}
	mask := d.writer.ContentMask()
	msg := jsonDataSetMessage{Payload: payload}
	if mask.Has(models.DataSetMessageWriterID) {
		msg.DataSetWriterID = d.writer.ID()
	}
	if mask.Has(models.DataSetMessageWriterName) {
		msg.DataSetWriterName = d.writer.DataSetWriterName
	}
	if mask.Has(models.DataSetMessageSequenceNumber) && d.notification.Context != nil {
		seq := d.notification.Context.SequenceNumber
		msg.SequenceNumber = &seq
	}
	if mask.Has(models.DataSetMessageMetaDataVersion) {
		if md := d.writer.MetaData(); md != nil {
			msg.MetaDataVersion = &configurationVersion{
				MajorVersion: md.ConfigurationVersion.MajorVersion,
				MinorVersion: md.ConfigurationVersion.MinorVersion,
			}
		}
	}
	if mask.Has(models.DataSetMessageTimestamp) {
		ts := timestampOf(d)
		msg.Timestamp = &ts
	}
	if mask.Has(models.DataSetMessageStatus) {
		status := statusOf(d)
		msg.Status = &status
	}
	if mask.Has(models.DataSetMessageMessageType) {
		msg.MessageType = messageTypeName(d.notification.MessageType)
	}
	return msg
}

func timestampOf(d *dataSetMessage) time.Time {
	if d.notification.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return d.notification.Timestamp.UTC()
}

func (e *Encoder) encodeSamples(m *networkMessage, messages []*dataSetMessage, id string) ([]byte, error) {
	items := make([]jsonMonitoredItemMessage, 0, len(messages))
	for _, d := range messages {
		for _, item := range d.items {
			items = append(items, monitoredItemMessageOf(m, d, item))
		}
	}
	if m.mask.Has(models.NetworkMessageSingleDataSetMessage) && len(items) == 1 {
		return json.Marshal(items[0])
	}
	if m.batch && !e.opts.UseStandardsCompliantEncoding {
		return json.Marshal(items)
	}
	if m.mask.Has(models.NetworkMessageHeader) {
		return json.Marshal(networkHeader(m, id, items))
	}
	return json.Marshal(items)
}

func monitoredItemMessageOf(m *networkMessage, d *dataSetMessage, item *models.MonitoredItemNotificationModel) jsonMonitoredItemMessage {
	mask := d.writer.ContentMask()
	msg := jsonMonitoredItemMessage{Value: encodeValue(item.Value, d.writer.DataSetFieldContentMask)}
	if mask.Has(models.DataSetMessageNodeID) {
		msg.NodeID = m.encodingContext.ExpandNodeID(item.NodeID)
	}
	if mask.Has(models.DataSetMessageEndpointURL) {
		msg.EndpointURL = d.notification.EndpointURL
	}
	if mask.Has(models.DataSetMessageApplicationURI) {
		msg.ApplicationURI = d.notification.ApplicationURI
	}
	if mask.Has(models.DataSetMessageDisplayName) {
		msg.DisplayName = item.DisplayName
	}
	if mask.Has(models.DataSetMessageWriterID) {
		msg.DataSetWriterID = d.writer.ID()
	}
	if mask.Has(models.DataSetMessageSequenceNumber) {
		seq := item.SequenceNumber
		msg.SequenceNumber = &seq
	}
	if mask.Has(models.DataSetMessageTimestamp) {
		ts := timestampOf(d)
		msg.Timestamp = &ts
	}
	if mask.Has(models.DataSetMessageExtensionFields) && d.writer.DataSet != nil {
		msg.ExtensionFields = d.writer.DataSet.ExtensionFields
	}
	return msg
}

func (e *Encoder) encodeUadp(m *networkMessage, messages []*dataSetMessage, seq uint16) ([]byte, error) {
	nm := uadpNetworkMessage{Messages: make([]uadpDataSetMessage, 0, len(messages))}
	if m.mask.Has(models.NetworkMessagePublisherID) {
		nm.PublisherID = m.publisherID
	}
	if m.mask.Has(models.NetworkMessageWriterGroupID) || m.mask.Has(models.NetworkMessageGroupHeader) {
		nm.WriterGroupID = m.group.WriterGroupID
	}
	if m.mask.Has(models.NetworkMessageSequenceNumber) || m.mask.Has(models.NetworkMessageGroupHeader) {
		nm.SequenceNumber = &seq
	}
	if m.mask.Has(models.NetworkMessageTimestamp) {
		ts := time.Now().UTC()
		nm.Timestamp = &ts
	}
	if m.mask.Has(models.NetworkMessageDataSetClassID) && m.classID != uuid.Nil {
		nm.DataSetClassID = m.classID[:]
	}
	for _, d := range messages {
		if m.mask.Has(models.NetworkMessagePayloadHeader) {
			nm.PayloadHeader = append(nm.PayloadHeader, d.writer.ID())
		}
		msg := uadpDataSetMessage{Fields: payloadOf(d)}
		if m.mask.Has(models.NetworkMessageDataSetMessageHeader) {
			mask := d.writer.ContentMask()
			if mask.Has(models.DataSetMessageWriterID) {
				msg.DataSetWriterID = d.writer.ID()
			}
			if mask.Has(models.DataSetMessageSequenceNumber) && d.notification.Context != nil {
				s := d.notification.Context.SequenceNumber
				msg.SequenceNumber = &s
			}
			if mask.Has(models.DataSetMessageMetaDataVersion) {
				if md := d.writer.MetaData(); md != nil {
					msg.MetaDataVersion = &configurationVersion{
						MajorVersion: md.ConfigurationVersion.MajorVersion,
						MinorVersion: md.ConfigurationVersion.MinorVersion,
					}
				}
			}
			if mask.Has(models.DataSetMessageTimestamp) {
				ts := timestampOf(d)
				msg.Timestamp = &ts
			}
			if mask.Has(models.DataSetMessageStatus) {
				status := statusOf(d)
				msg.Status = &status
			}
			if mask.Has(models.DataSetMessageMessageType) {
				msg.MessageType = uint8(d.notification.MessageType) + 1
			}
		}
		nm.Messages = append(nm.Messages, msg)
	}
	return marshalCBOR(nm)
}

func (e *Encoder) encodeMetaData(m *networkMessage, id string) ([]byte, error) {
	msg := metaDataMessage{
		MessageID:          id,
		MessageType:        messageTypeMetaData,
		PublisherID:        m.publisherID,
		DataSetWriterID:    m.metaWriter.ID(),
		DataSetWriterGroup: groupName(m.group),
		MetaData:           toMetaData(m.metaData),
	}
	var (
		data []byte
		err  error
	)
	if m.encoding().IsJSON() {
		data, err = json.Marshal(msg)
	} else {
		data, err = marshalCBOR(msg)
	}
	if err != nil {
		return nil, err
	}
	if m.encoding().IsGzip() {
		return compress(data)
	}
	return data, nil
}

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriterKeyDistinguishesNilAndEmpty(t *testing.T) {
	empty := ""
	id := "w1"

	assert.Equal(t, "\x00", (&DataSetWriterModel{}).WriterKey())
	assert.Equal(t, "id:", (&DataSetWriterModel{DataSetWriterID: &empty}).WriterKey())
	assert.Equal(t, "id:w1", (&DataSetWriterModel{DataSetWriterID: &id}).WriterKey())
	assert.NotEqual(t, (&DataSetWriterModel{}).WriterKey(), (&DataSetWriterModel{DataSetWriterID: &empty}).WriterKey())
}

func TestExpandNodeID(t *testing.T) {
	ctx := &EncodingContext{NamespaceURIs: []string{"http://opcfoundation.org/UA/", "urn:test"}}

	assert.Equal(t, "nsu=urn:test;s=Temp", ctx.ExpandNodeID("ns=1;s=Temp"))
	assert.Equal(t, "i=2258", ctx.ExpandNodeID("i=2258"))
	assert.Equal(t, "ns=7;s=Temp", ctx.ExpandNodeID("ns=7;s=Temp"))

	var nilCtx *EncodingContext
	assert.Equal(t, "ns=1;s=Temp", nilCtx.ExpandNodeID("ns=1;s=Temp"))
}

func TestSubscriptionFallsBackToDefaultInterval(t *testing.T) {
	w := &DataSetWriterModel{DataSet: &DataSetModel{DataSetSource: &PublishedDataSetSourceModel{
		PublishedVariables: []PublishedVariable{{NodeID: "ns=1;s=A"}},
	}}}
	sub := w.Subscription(1000000000)
	if assert.NotNil(t, sub) {
		assert.EqualValues(t, 1000000000, sub.PublishingInterval)
		assert.Len(t, sub.Variables, 1)
	}
	assert.Nil(t, (&DataSetWriterModel{}).Subscription(0))
}

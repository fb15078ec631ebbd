package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurityTierRequiresSignature(t *testing.T) {
	assert.False(t, TierOpen.RequiresSignature())
	assert.True(t, TierSigned.RequiresSignature())
	assert.True(t, TierFull.RequiresSignature())
}

func TestNewAck(t *testing.T) {
	last := int64(42)
	ack := NewAck(7, &last)
	assert.Equal(t, TypeAck, ack.Type)
	assert.EqualValues(t, 7, ack.Seq)
	require.NotNil(t, ack.LastPersistedSeq)
	assert.EqualValues(t, 42, *ack.LastPersistedSeq)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		Type:   TypeMessage,
		Header: &MessageHeader{MsgType: KindStatus, Seq: 3},
		Payload: json.RawMessage(`{"x":1}`),
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, TypeMessage, got.Type)
	require.NotNil(t, got.Header)
	assert.Equal(t, KindStatus, got.Header.MsgType)
	assert.EqualValues(t, 3, got.Header.Seq)
}

func TestNewHubShuttingDown(t *testing.T) {
	assert.Equal(t, TypeHubShuttingDown, NewHubShuttingDown().Type)
}

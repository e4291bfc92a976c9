package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeData(t *testing.T) {
	payload := []byte("hello")
	raw, err := EncodeData(42, payload)
	assert.Nil(t, err)
	assert.Len(t, raw, DataHeaderSize+len(payload))

	tag, ok := PeekTag(raw)
	assert.True(t, ok)
	assert.Equal(t, TagData, tag)

	decoded, err := DecodeData(raw)
	assert.Nil(t, err)
	assert.EqualValues(t, 42, decoded.Seq)
	assert.Equal(t, payload, decoded.Payload)
}

func TestEncodeDataRejectsOversizePayload(t *testing.T) {
	_, err := EncodeData(0, make([]byte, MaxPayloadSize+1))
	assert.NotNil(t, err)
}

func TestDecodeDataShortHeader(t *testing.T) {
	_, err := DecodeData([]byte{byte(TagData), '0'})
	assert.NotNil(t, err)
}

func TestDecodeDataTruncatedPayload(t *testing.T) {
	raw, err := EncodeData(1, []byte("abcd"))
	assert.Nil(t, err)
	_, err = DecodeData(raw[:len(raw)-2])
	assert.NotNil(t, err)
}

func TestEncodeDecodeAck(t *testing.T) {
	raw := EncodeAck(255, 10)
	assert.Len(t, raw, AckSize)

	tag, ok := PeekTag(raw)
	assert.True(t, ok)
	assert.Equal(t, TagAck, tag)

	decoded, err := DecodeAck(raw)
	assert.Nil(t, err)
	assert.EqualValues(t, 255, decoded.Seq)
	assert.EqualValues(t, 10, decoded.Window)
}

func TestBinaryASCIIRoundTrip(t *testing.T) {
	for _, seq := range []uint8{0, 1, 127, 128, 200, 255} {
		raw := EncodeAck(seq, 0)
		decoded, err := DecodeAck(raw)
		assert.Nil(t, err)
		assert.Equal(t, seq, decoded.Seq)
	}
}

func TestDecodeAckInvalidDigit(t *testing.T) {
	raw := EncodeAck(1, 1)
	raw[3] = '2'
	_, err := DecodeAck(raw)
	assert.NotNil(t, err)
}

func TestDataBinaryMarshalerRoundTrip(t *testing.T) {
	var d Data
	d.Seq = 7
	d.Payload = []byte("payload")

	raw, err := d.MarshalBinary()
	assert.Nil(t, err)

	var decoded Data
	assert.Nil(t, decoded.UnmarshalBinary(raw))
	assert.Equal(t, d, decoded)
}

func TestAckBinaryMarshalerRoundTrip(t *testing.T) {
	a := Ack{Seq: 200, Window: 5}

	raw, err := a.MarshalBinary()
	assert.Nil(t, err)

	var decoded Ack
	assert.Nil(t, decoded.UnmarshalBinary(raw))
	assert.Equal(t, a, decoded)
}

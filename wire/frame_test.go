package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	f := &Frame{Code: CodeRegisterSuccess, Data: []byte("hello")}

	decoded, err := Unmarshal(f.Marshal())
	require.NoError(t, err)
	assert.Equal(t, f.Code, decoded.Code)
	assert.Equal(t, f.Data, decoded.Data)
}

func TestFrameEmptyData(t *testing.T) {
	f := &Frame{Code: CodeHeartbeatSuccess}

	decoded, err := Unmarshal(f.Marshal())
	require.NoError(t, err)
	assert.Equal(t, f.Code, decoded.Code)
	assert.Empty(t, decoded.Data)
}

func TestUnmarshalTruncated(t *testing.T) {
	_, err := Unmarshal([]byte{0x08, 0xff})
	assert.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)

	data, err := WrapEnvelope(payload)
	require.NoError(t, err)

	got, err := UnwrapEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestNewFrameCarriesEnvelope(t *testing.T) {
	payload := []byte("payload-bytes")

	f, err := NewFrame(CodeRegister, payload)
	require.NoError(t, err)
	assert.Equal(t, CodeRegister, f.Code)

	got, err := UnwrapEnvelope(f.Data)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

package ipc

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msg, err := NewResponse(MsgEnterScreen, 42, &ScreenRequest{Screen: "Wallet"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, msg.Write(&buf))
	assert.Equal(t, HeaderSize+len(msg.Payload), buf.Len())

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgEnterScreen, got.Header.Type)
	assert.Equal(t, uint32(42), got.Header.RequestID)
	assert.Equal(t, FlagJSON, got.Header.Flags)

	var req ScreenRequest
	require.NoError(t, Decode(got.Payload, &req))
	assert.Equal(t, "Wallet", req.Screen)
}

func TestEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewMessage(MsgPing, 1, nil).Write(&buf))
	assert.Equal(t, HeaderSize, buf.Len())

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Empty(t, got.Payload)
	assert.NoError(t, Decode(got.Payload, &struct{}{}))
}

func TestReadHeaderRejects(t *testing.T) {
	header := func(mutate func([]byte)) []byte {
		var buf bytes.Buffer
		require.NoError(t, NewMessage(MsgPing, 1, nil).Write(&buf))
		b := buf.Bytes()
		mutate(b)
		return b
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"bad magic", header(func(b []byte) { b[0] = 'X' }), ErrBadMagic},
		{"too large", header(func(b []byte) { binary.BigEndian.PutUint32(b[12:16], MaxPayload+1) }), ErrPayloadTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadHeader(bytes.NewReader(tc.data))
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := ReadHeader(bytes.NewReader(header(func(b []byte) { b[4] = ProtocolVersion + 1 })))
	assert.Error(t, err)

	_, err = ReadHeader(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err, "short header")
}

func TestErrorMessage(t *testing.T) {
	msg := NewErrorMessage(7, ErrNotFound, "no lease")
	assert.Equal(t, MsgError, msg.Header.Type)

	var er ErrorResponse
	require.NoError(t, Decode(msg.Payload, &er))
	assert.Equal(t, ErrNotFound, er.Code)
	assert.Equal(t, "no lease", er.Message)
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "override-begin", MsgOverrideBegin.String())
	assert.Equal(t, "0x7777", MessageType(0x7777).String())
}

package transport

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/cuemby/marathon/pkg/id"
	"github.com/stretchr/testify/require"
)

func TestWriteReadMessage_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := Header{MsgType: MsgHeartbeat, CorrelationID: id.New().String()}
	body := []byte(`{"node_id":"abc"}`)

	require.NoError(t, WriteMessage(&buf, h, body))

	gotHeader, gotBody, err := ReadMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, h, gotHeader)
	require.Equal(t, body, gotBody)
}

func TestWriteReadMessage_MultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	first := Header{MsgType: MsgRegisterNode, CorrelationID: "1"}
	second := Header{MsgType: MsgTaskEvent, CorrelationID: "2"}

	require.NoError(t, WriteMessage(&buf, first, []byte("one")))
	require.NoError(t, WriteMessage(&buf, second, []byte("two")))

	r := bufio.NewReader(&buf)
	h1, b1, err := ReadMessage(r)
	require.NoError(t, err)
	require.Equal(t, first, h1)
	require.Equal(t, []byte("one"), b1)

	h2, b2, err := ReadMessage(r)
	require.NoError(t, err)
	require.Equal(t, second, h2)
	require.Equal(t, []byte("two"), b2)
}

func TestReadMessage_RejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff}) // claims a ~4GiB header
	_, _, err := ReadMessage(bufio.NewReader(&buf))
	require.Error(t, err)
}

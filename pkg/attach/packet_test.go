package attach

import (
	"bytes"
	"testing"

	"github.com/containers/conmon-go/pkg/containerio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketsSingleFrame(t *testing.T) {
	payload := []byte("some container output")

	frames := packets(containerio.PipeStdOut, payload)
	require.Len(t, frames, 1)

	frame := frames[0]
	require.Len(t, frame, packetBufSize)
	assert.EqualValues(t, 2, frame[0])
	assert.Equal(t, payload, frame[1:1+len(payload)])
	assert.Equal(t, make([]byte, packetBufSize-1-len(payload)), frame[1+len(payload):])
}

func TestPacketsStdErrTag(t *testing.T) {
	frames := packets(containerio.PipeStdErr, []byte{'x'})
	require.Len(t, frames, 1)
	assert.EqualValues(t, 3, frames[0][0])
}

func TestPacketsMaxPayloadSingleFrame(t *testing.T) {
	payload := bytes.Repeat([]byte{'a'}, packetBufSize-1)
	frames := packets(containerio.PipeStdOut, payload)
	require.Len(t, frames, 1)
	assert.Equal(t, payload, frames[0][1:])
}

func TestPacketsSplitAndReassemble(t *testing.T) {
	// 2.5 max payloads worth of distinguishable bytes.
	payload := make([]byte, (packetBufSize-1)*2+100)
	for i := range payload {
		payload[i] = byte(i%255) + 1
	}

	frames := packets(containerio.PipeStdOut, payload)
	require.Len(t, frames, 3)

	var joined []byte
	for i, frame := range frames {
		require.Len(t, frame, packetBufSize)
		assert.EqualValues(t, 2, frame[0])
		if i < len(frames)-1 {
			joined = append(joined, frame[1:]...)
		} else {
			joined = append(joined, frame[1:101]...)
		}
	}
	assert.Equal(t, payload, joined)
}

func TestPacketsEmptyPayload(t *testing.T) {
	assert.Empty(t, packets(containerio.PipeStdOut, nil))
}

func TestDonePacketAllZero(t *testing.T) {
	require.Len(t, donePacket, packetBufSize)
	assert.Equal(t, make([]byte, packetBufSize), donePacket)
}

package attach

import (
	"github.com/containers/conmon-go/pkg/containerio"
)

// packetBufSize is the fixed size of one attach wire frame, synced
// with conmon's STDIO_BUF_SIZE.
const packetBufSize = 8192

// donePacket is the all-zero frame signaling end-of-stream to a
// client.
var donePacket = make([]byte, packetBufSize)

// packets splits buf into fixed-size wire frames: one tag byte, up to
// packetBufSize-1 payload bytes, zero padding up to the full frame.
func packets(pipe containerio.Pipe, buf []byte) [][]byte {
	frames := make([][]byte, 0, (len(buf)+packetBufSize-2)/(packetBufSize-1))
	for len(buf) > 0 {
		n := min(len(buf), packetBufSize-1)
		frame := make([]byte, packetBufSize)
		frame[0] = byte(pipe)
		copy(frame[1:], buf[:n])
		frames = append(frames, frame)
		buf = buf[n:]
	}
	return frames
}

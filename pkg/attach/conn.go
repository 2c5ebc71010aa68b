package attach

import (
	"bytes"
	"context"
	"io"
	"net"

	"github.com/containers/conmon-go/internal/broadcast"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrBadConnDescriptor reports a read on an invalid attach connection
// descriptor. It is escalated rather than treated as a client
// disconnect.
var ErrBadConnDescriptor = errors.New("bad attach connection file descriptor")

// readAction is the classified outcome of one connection read.
type readAction int

const (
	// readOK: loop again.
	readOK readAction = iota
	// readRetry: spurious wakeup on the non-blocking socket.
	readRetry
	// readDone: the client is gone, exit cleanly.
	readDone
	// readLog: unexpected but non-fatal, log and keep reading.
	readLog
	// readFatal: escalate out of the loop.
	readFatal
)

// classifyReadError maps a connection read error onto the loop's
// recovery policy. EIO is the regular client-closed signal; a bad
// descriptor must surface instead of being retried.
func classifyReadError(err error) readAction {
	switch {
	case err == nil:
		return readOK
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, unix.EIO):
		return readDone
	case errors.Is(err, unix.EBADF):
		return readFatal
	case errors.Is(err, unix.EAGAIN):
		return readRetry
	default:
		return readLog
	}
}

// readLoop drains client input from conn and republishes it to tx.
// It runs until the client disconnects or the write loop tears the
// connection down on cancellation.
func readLoop(conn *net.UnixConn, id string, tx *broadcast.Sender[[]byte]) error {
	buf := make([]byte, packetBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			// Clients terminate each write with a NUL byte.
			if i := bytes.IndexByte(data, 0); i >= 0 {
				data = data[:i]
			}
			logrus.Debugf("Read %d stdin bytes from attach connection %s", len(data), id)
			tx.Send(data)
		}

		switch classifyReadError(err) {
		case readOK, readRetry:
		case readDone:
			logrus.Debugf("Stopping read loop for attach connection %s", id)
			return nil
		case readFatal:
			return errors.Wrapf(ErrBadConnDescriptor, "read from attach connection %s", id)
		case readLog:
			logrus.Errorf("Unable to read from attach connection %s: %v", id, err)
		}
	}
}

// writeLoop consumes container output messages from rx and frames
// them onto conn. On cancellation it sends one done packet as a
// best-effort goodbye and exits.
func writeLoop(ctx context.Context, conn *net.UnixConn, id string, rx *broadcast.Receiver[Message]) error {
	defer rx.Close()

	for {
		msg, err := rx.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logrus.Debugf("Exiting write loop for attach connection %s because of cancellation", id)
				return writeDonePacket(conn, id)
			}
			// Closed or lagged subscription. A lagged client has
			// already lost output and cannot recover mid-stream.
			return errors.Wrap(err, "receive output message")
		}

		if err := writeFrames(conn, id, msg); err != nil {
			return err
		}
	}
}

// writeFrames writes every frame of one output message to the client
// in order. A frame hitting EAGAIN is dropped; EPIPE abandons the
// remainder of the message; anything else is fatal to the loop.
func writeFrames(conn *net.UnixConn, id string, msg Message) error {
	frames := packets(msg.Pipe, msg.Data)
	last := len(frames) - 1
	for idx, frame := range frames {
		_, err := conn.Write(frame)
		switch {
		case err == nil:
			logrus.Debugf("Wrote %s packet %d/%d to attach connection %s", msg.Pipe, idx, last, id)
		case errors.Is(err, unix.EAGAIN):
			continue
		case errors.Is(err, unix.EPIPE):
			logrus.Debugf("Attach connection %s went away, dropping %d remaining packets", id, last-idx)
			return nil
		default:
			return errors.Wrapf(err, "write packet %d/%d", idx, last)
		}
	}
	return nil
}

// writeDonePacket sends the all-zero end-of-stream frame. The client
// may already be gone, so EAGAIN and EPIPE are swallowed.
func writeDonePacket(conn *net.UnixConn, id string) error {
	_, err := conn.Write(donePacket)
	switch {
	case err == nil:
		logrus.Debugf("Wrote done packet to attach connection %s", id)
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EPIPE):
	default:
		return errors.Wrap(err, "write done packet")
	}
	return nil
}

package attach

import (
	"context"
	"net"
	"os"

	"github.com/containers/conmon-go/internal/broadcast"
	"github.com/containers/conmon-go/pkg/listener"
	"github.com/containers/storage/pkg/fileutils"
	"github.com/containers/storage/pkg/stringid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// createEndpoint binds a fresh SEQPACKET socket at socketPath and
// starts its accept loop. Only the owner may connect: the socket file
// mode is forced to 0700.
func createEndpoint(ctx context.Context, socketPath string, readHalfTx *broadcast.Sender[[]byte], writeHalfTx *broadcast.Sender[Message]) error {
	logrus.Debugf("Creating attach socket: %s", socketPath)

	if err := fileutils.Exists(socketPath); err == nil {
		return errors.Errorf("attach socket path already exists: %s", socketPath)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return errors.Wrap(err, "create socket")
	}

	// The parent directory handle must stay open until the bind
	// completes, or the shortened path dangles.
	shortened, parentDir, err := listener.ShortenSocketPath(socketPath)
	if err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "shorten socket path")
	}
	if parentDir != nil {
		defer parentDir.Close()
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: shortened}); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "bind socket fd")
	}

	if err := os.Chmod(socketPath, 0o700); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "set socket permissions")
	}

	if err := unix.Listen(fd, 10); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "listen on socket fd")
	}

	f := os.NewFile(uintptr(fd), socketPath)
	l, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return errors.Wrap(err, "convert socket fd to listener")
	}
	unixListener, ok := l.(*net.UnixListener)
	if !ok {
		l.Close()
		return errors.Errorf("listener at %s is %T, not a unix listener", socketPath, l)
	}

	go func() {
		if err := acceptLoop(ctx, unixListener, readHalfTx, writeHalfTx); err != nil {
			logrus.Errorf("Attach failure on %s: %v", socketPath, err)
		}
	}()

	return nil
}

// acceptLoop accepts attach connections until ctx is cancelled and
// spawns one read loop and one write loop per connection. A single
// failed accept does not terminate the endpoint.
func acceptLoop(ctx context.Context, l *net.UnixListener, readHalfTx *broadcast.Sender[[]byte], writeHalfTx *broadcast.Sender[Message]) error {
	logrus.Debug("Start listening on attach socket")

	// Closing the listener is what unblocks Accept on cancellation.
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logrus.Debug("Exiting accept loop because of cancellation")
				return nil
			}
			logrus.Errorf("Unable to accept attach connection: %v", err)
			continue
		}

		id := stringid.GenerateNonCryptoID()[:12]
		logrus.Debugf("Got new attach connection %s", id)

		go func() {
			if err := readLoop(conn, id, readHalfTx); err != nil {
				logrus.Errorf("Attach read loop failure on connection %s: %v", id, err)
			}
		}()

		// The write loop owns the connection: closing it after the
		// done packet is what unblocks the read loop's pending Read.
		go func() {
			defer conn.Close()
			if err := writeLoop(ctx, conn, id, writeHalfTx.Subscribe()); err != nil {
				logrus.Errorf("Attach write loop failure on connection %s: %v", id, err)
			}
		}()
	}
}

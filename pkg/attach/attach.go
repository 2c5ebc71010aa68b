// Package attach multiplexes a container's standard streams to attach
// clients connected over local domain sockets. Container output fans
// out to every connected client, client input fans in to a single
// stream consumed by the monitor.
package attach

import (
	"context"

	"github.com/containers/conmon-go/internal/broadcast"
	"github.com/containers/conmon-go/pkg/containerio"
	"github.com/pkg/errors"
)

// channelCapacity bounds the pending messages per attach channel
// subscriber. A subscriber falling further behind fails with a lag
// error instead of stalling the producer.
const channelCapacity = 1000

// Message is one chunk of container output together with its stream
// identity.
type Message struct {
	Pipe containerio.Pipe
	Data []byte
}

// SharedContainerAttach is the broadcast routing point between one
// container and all of its attach endpoints.
type SharedContainerAttach struct {
	readHalfRx  *broadcast.Receiver[[]byte]
	readHalfTx  *broadcast.Sender[[]byte]
	writeHalfTx *broadcast.Sender[Message]
}

// New creates an empty SharedContainerAttach with no endpoints.
func New() *SharedContainerAttach {
	readHalfTx := broadcast.NewSender[[]byte](channelCapacity)
	return &SharedContainerAttach{
		readHalfRx:  readHalfTx.Subscribe(),
		readHalfTx:  readHalfTx,
		writeHalfTx: broadcast.NewSender[Message](channelCapacity),
	}
}

// Clone returns an independent handle backed by the same channels.
// The clone gets its own input subscription, so a clone and its origin
// each observe every client input message. This is broadcast, not
// work-sharing: callers reading from both handles see duplicates.
func (a *SharedContainerAttach) Clone() *SharedContainerAttach {
	return &SharedContainerAttach{
		readHalfRx:  a.readHalfTx.Subscribe(),
		readHalfTx:  a.readHalfTx,
		writeHalfTx: a.writeHalfTx,
	}
}

// Add creates and starts a new attach endpoint listening at
// socketPath. The endpoint accepts connections until ctx is cancelled.
// Add fails if socketPath already exists or if any socket setup step
// fails; it returns as soon as the socket is listening.
func (a *SharedContainerAttach) Add(ctx context.Context, socketPath string) error {
	return errors.Wrap(
		createEndpoint(ctx, socketPath, a.readHalfTx, a.writeHalfTx),
		"create attach endpoint",
	)
}

// Read returns the next chunk of client input from any endpoint,
// blocking until one arrives. A NUL byte terminates the meaningful
// content of each client frame, so attached stdin cannot carry NUL
// bytes.
func (a *SharedContainerAttach) Read(ctx context.Context) ([]byte, error) {
	buf, err := a.readHalfRx.Recv(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "receive attach message")
	}
	return buf, nil
}

// Write broadcasts buf tagged with pipe to every connected attach
// client. With no clients connected it returns immediately without
// blocking.
func (a *SharedContainerAttach) Write(pipe containerio.Pipe, buf []byte) error {
	if a.writeHalfTx.Receivers() > 0 {
		data := make([]byte, len(buf))
		copy(data, buf)
		a.writeHalfTx.Send(Message{Pipe: pipe, Data: data})
	}
	return nil
}

// Package containerio holds the stream identity shared between the
// container monitor and its attach endpoints.
package containerio

// Pipe identifies which standard stream a chunk of container output
// belongs to. The numeric values are the attach wire protocol tag
// bytes, synced with stdpipe_t in conmon.c.
type Pipe int

const (
	// PipeStdOut tags container standard output.
	PipeStdOut Pipe = 2
	// PipeStdErr tags container standard error.
	PipeStdErr Pipe = 3
)

func (p Pipe) String() string {
	switch p {
	case PipeStdOut:
		return "stdout"
	case PipeStdErr:
		return "stderr"
	default:
		return "unknown"
	}
}

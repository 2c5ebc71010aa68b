// conmon-go runs a command and exposes its standard streams on one or
// more attach sockets, the way a container monitor does for the
// container's stdio.
package main

import (
	"context"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"time"

	"github.com/containers/conmon-go/pkg/attach"
	"github.com/containers/conmon-go/pkg/containerio"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var (
	socketPaths []string
	logLevel    string

	rootCmd = &cobra.Command{
		Use:          "conmon-go [flags] -- COMMAND [ARG...]",
		Short:        "Run a command with its standard streams multiplexed to attach sockets",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return errors.Wrapf(err, "parse log level %q", logLevel)
			}
			logrus.SetLevel(level)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args)
		},
	}
)

func init() {
	flags := rootCmd.Flags()
	flags.StringArrayVar(&socketPaths, "socket", nil, "Attach socket path, may be given multiple times")
	flags.StringVar(&logLevel, "log-level", "info", "Log messages above specified level: debug, info, warn, error, fatal or panic")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Errorf("Execution failed: %v", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	child := exec.Command(args[0], args[1:]...)
	stdin, err := child.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "create stdin pipe")
	}
	stdout, err := child.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "create stdout pipe")
	}
	stderr, err := child.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "create stderr pipe")
	}

	hub := attach.New()
	for _, path := range socketPaths {
		if err := hub.Add(ctx, path); err != nil {
			return errors.Wrapf(err, "add attach socket %s", path)
		}
	}

	if err := child.Start(); err != nil {
		return errors.Wrapf(err, "start command %s", args[0])
	}
	logrus.Infof("Started %s (pid %d)", args[0], child.Process.Pid)

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logrus.Warnf("Unable to notify systemd of readiness: %v", err)
	} else if sent {
		logrus.Debug("Notified systemd of readiness")
	}

	// Client input flows until cancellation; the child closing stdin
	// early is not fatal to the monitor.
	go func() {
		if err := pumpInput(ctx, hub, stdin); err != nil {
			logrus.Errorf("Stdin pump failure: %v", err)
		}
	}()

	var outputs errgroup.Group
	outputs.Go(func() error {
		return pumpOutput(hub, containerio.PipeStdOut, stdout)
	})
	outputs.Go(func() error {
		return pumpOutput(hub, containerio.PipeStdErr, stderr)
	})

	pumpErr := outputs.Wait()

	// Output is exhausted: cancel so every write loop sends its done
	// packet, and give those loops a moment to flush before exiting.
	cancel()
	time.Sleep(100 * time.Millisecond)

	waitErr := child.Wait()
	if pumpErr != nil {
		logrus.Errorf("Output pump failure: %v", pumpErr)
	}
	return errors.Wrapf(waitErr, "wait for command %s", args[0])
}

// pumpOutput broadcasts one of the child's output streams to the
// attach clients until the stream ends.
func pumpOutput(hub *attach.SharedContainerAttach, pipe containerio.Pipe, r io.Reader) error {
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if err := hub.Write(pipe, buf[:n]); err != nil {
				return errors.Wrapf(err, "broadcast %s", pipe)
			}
		}
		if errors.Is(err, io.EOF) {
			logrus.Debugf("Child %s closed", pipe)
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read child %s", pipe)
		}
	}
}

// pumpInput feeds attach client input into the child's stdin until
// cancellation.
func pumpInput(ctx context.Context, hub *attach.SharedContainerAttach, stdin io.WriteCloser) error {
	defer stdin.Close()
	for {
		buf, err := hub.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return errors.Wrap(err, "read attach input")
		}
		if _, err := stdin.Write(buf); err != nil {
			return errors.Wrap(err, "write child stdin")
		}
	}
}

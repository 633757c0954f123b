// Package supervisor launches the wrapped child process and guarantees it is
// terminated when the proxy stops.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mcpguard/mcpbridge/internal/logx"
)

// StderrMode selects what happens to the child's diagnostic output.
type StderrMode int

const (
	StderrInherit StderrMode = iota
	StderrDiscard
	// StderrCapture mirrors each line to the proxy's stderr and delivers it on
	// StderrLines.
	StderrCapture
)

// stderrBacklog is how many captured lines are buffered for a reader that
// is not keeping up. Later lines are still mirrored but not delivered.
const stderrBacklog = 256

var (
	ErrNotStarted     = errors.New("supervisor: child not started")
	ErrAlreadyStarted = errors.New("supervisor: child already started")
)

func (m StderrMode) String() string {
	switch m {
	case StderrInherit:
		return "inherit"
	case StderrDiscard:
		return "discard"
	case StderrCapture:
		return "capture"
	default:
		return fmt.Sprintf("stderr(%d)", int(m))
	}
}

func ParseStderrMode(s string) (StderrMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "inherit":
		return StderrInherit, nil
	case "discard", "devnull", "null":
		return StderrDiscard, nil
	case "capture":
		return StderrCapture, nil
	default:
		return 0, fmt.Errorf("supervisor: invalid stderr mode %q", s)
	}
}

type Options struct {
	Command string
	// Args precede any arguments forwarded from the proxy's own command line.
	Args   []string
	Env    []string
	Dir    string
	Stderr StderrMode
	// NoStdio leaves stdin and stdout unattached, for children that talk over
	// a socket instead.
	NoStdio bool
	// Mirror receives captured stderr lines; defaults to os.Stderr.
	Mirror io.Writer
}

// Child owns one subprocess and its standard streams.
type Child struct {
	opts Options
	log  zerolog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	lines  chan string

	done     chan struct{}
	exitErr  error
	killOnce sync.Once
	killErr  error
}

// New prepares a child that runs opts.Command with opts.Args followed by
// forwarded.
func New(opts Options, forwarded ...string) *Child {
	opts.Args = append(append([]string{}, opts.Args...), forwarded...)
	if opts.Mirror == nil {
		opts.Mirror = os.Stderr
	}
	return &Child{
		opts: opts,
		log:  logx.Log.With().Str("component", "supervisor").Str("command", opts.Command).Logger(),
		done: make(chan struct{}),
	}
}

// Start launches the process. The context bounds only the launch itself;
// use Kill to stop a running child.
func (c *Child) Start(ctx context.Context) error {
	if c.cmd != nil {
		return ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	//nolint:gosec // G204: running a configured executable is the point.
	cmd := exec.Command(c.opts.Command, c.opts.Args...)
	cmd.Env = c.opts.Env
	cmd.Dir = c.opts.Dir
	setProcessGroup(cmd)

	// Parent-side ends of the pipes that must be closed once the child has
	// its copies.
	var childEnds []*os.File
	closeChildEnds := func() {
		for _, f := range childEnds {
			_ = f.Close()
		}
	}

	if !c.opts.NoStdio {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("stdin pipe: %w", err)
		}
		c.stdin = stdin

		// os.Pipe rather than StdoutPipe so that Wait does not close the
		// read end while the last lines are still being consumed.
		pr, pw, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("stdout pipe: %w", err)
		}
		cmd.Stdout = pw
		c.stdout = pr
		childEnds = append(childEnds, pw)
	}

	var stderrR *os.File
	switch c.opts.Stderr {
	case StderrInherit:
		cmd.Stderr = os.Stderr
	case StderrDiscard:
		cmd.Stderr = nil
	case StderrCapture:
		pr, pw, err := os.Pipe()
		if err != nil {
			closeChildEnds()
			return fmt.Errorf("stderr pipe: %w", err)
		}
		cmd.Stderr = pw
		stderrR = pr
		childEnds = append(childEnds, pw)
		c.lines = make(chan string, stderrBacklog)
	}

	if err := cmd.Start(); err != nil {
		closeChildEnds()
		if c.stdout != nil {
			_ = c.stdout.Close()
		}
		if stderrR != nil {
			_ = stderrR.Close()
		}
		return fmt.Errorf("start %s: %w", c.opts.Command, err)
	}
	closeChildEnds()

	c.cmd = cmd
	c.log = c.log.With().Int("pid", cmd.Process.Pid).Logger()
	c.log.Info().Strs("args", c.opts.Args).Msg("child started")

	if stderrR != nil {
		go c.captureStderr(stderrR)
	}
	go c.wait()

	return nil
}

func (c *Child) wait() {
	err := c.cmd.Wait()
	c.exitErr = err
	if err != nil {
		c.log.Debug().Err(err).Msg("child exited")
	} else {
		c.log.Debug().Msg("child exited cleanly")
	}
	close(c.done)
}

func (c *Child) captureStderr(r *os.File) {
	defer close(c.lines)
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		_, _ = fmt.Fprintln(c.opts.Mirror, line)
		select {
		case c.lines <- line:
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		c.log.Debug().Err(err).Msg("stderr scanner stopped")
	}
}

// Stdin is the child's standard input. Nil when NoStdio is set.
func (c *Child) Stdin() io.Writer {
	if c.stdin == nil {
		return nil
	}
	return c.stdin
}

// Stdout is the child's standard output. It reports io.EOF once the child
// and every process sharing the pipe have exited. Nil when NoStdio is set.
func (c *Child) Stdout() io.Reader {
	if c.stdout == nil {
		return nil
	}
	return c.stdout
}

// StderrLines delivers captured diagnostic lines and is closed when the
// child's stderr closes. Nil unless the stderr mode is StderrCapture.
func (c *Child) StderrLines() <-chan string {
	return c.lines
}

func (c *Child) PID() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Done is closed after the child has exited and been reaped.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// ExitErr is the result of waiting on the child. Only valid after Done.
func (c *Child) ExitErr() error {
	return c.exitErr
}

// Kill forcefully terminates the child and its process group. It is safe to
// call more than once and from several goroutines; a child that has already
// exited is not an error.
func (c *Child) Kill() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return ErrNotStarted
	}
	c.killOnce.Do(func() {
		c.log.Debug().Msg("killing child")
		err := killProcessGroup(c.cmd.Process)
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			c.killErr = err
		}
		if c.stdin != nil {
			_ = c.stdin.Close()
		}
	})
	return c.killErr
}

//go:build unix

package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func waitDone(t *testing.T, c *Child) {
	t.Helper()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

func TestParseStderrMode(t *testing.T) {
	for in, want := range map[string]StderrMode{
		"":        StderrInherit,
		"inherit": StderrInherit,
		"DEVNULL": StderrDiscard,
		"capture": StderrCapture,
	} {
		got, err := ParseStderrMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseStderrMode("tee")
	require.Error(t, err)
}

func TestChild_EchoesThroughPipes(t *testing.T) {
	requireShell(t)

	c := New(Options{Command: "cat", Stderr: StderrDiscard})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Kill() })

	assert.NotZero(t, c.PID())

	_, err := io.WriteString(c.Stdin(), "{\"id\":1}\n")
	require.NoError(t, err)

	line, err := bufio.NewReader(c.Stdout()).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":1}\n", line)
}

func TestChild_ForwardsArguments(t *testing.T) {
	requireShell(t)

	c := New(Options{Command: "sh", Args: []string{"-c", `echo "$@"`, "sh"}, Stderr: StderrDiscard}, "--flag", "two words")
	require.NoError(t, c.Start(context.Background()))

	out, err := io.ReadAll(c.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "--flag two words\n", string(out))

	waitDone(t, c)
	assert.NoError(t, c.ExitErr())
}

func TestChild_StdoutEOFOnExit(t *testing.T) {
	requireShell(t)

	c := New(Options{Command: "sh", Args: []string{"-c", "printf 'a\\nb\\n'"}, Stderr: StderrDiscard})
	require.NoError(t, c.Start(context.Background()))

	out, err := io.ReadAll(c.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(out))
}

func TestChild_CaptureStderr(t *testing.T) {
	requireShell(t)

	mirror := &syncBuffer{}
	c := New(Options{
		Command: "sh",
		Args:    []string{"-c", "echo 'booting' >&2; echo 'listening on port 5555' >&2; sleep 30"},
		Stderr:  StderrCapture,
		NoStdio: true,
		Mirror:  mirror,
	})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Kill() })

	assert.Nil(t, c.Stdin())
	assert.Nil(t, c.Stdout())

	var got []string
	for len(got) < 2 {
		select {
		case line := <-c.StderrLines():
			got = append(got, line)
		case <-time.After(5 * time.Second):
			t.Fatal("no stderr lines")
		}
	}
	assert.Equal(t, []string{"booting", "listening on port 5555"}, got)
	assert.Contains(t, mirror.String(), "listening on port 5555")

	require.NoError(t, c.Kill())
	waitDone(t, c)

	_, open := <-c.StderrLines()
	assert.False(t, open)
}

func TestChild_KillIsIdempotent(t *testing.T) {
	requireShell(t)

	c := New(Options{Command: "sleep", Args: []string{"30"}, Stderr: StderrDiscard})
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.Kill())
	require.NoError(t, c.Kill())
	waitDone(t, c)
	require.NoError(t, c.Kill())
}

func TestChild_KillAfterExitIsSwallowed(t *testing.T) {
	requireShell(t)

	c := New(Options{Command: "true", Stderr: StderrDiscard})
	require.NoError(t, c.Start(context.Background()))
	waitDone(t, c)

	assert.NoError(t, c.Kill())
}

func TestChild_KillReachesGrandchildren(t *testing.T) {
	requireShell(t)

	// The grandchild inherits stdout; without a group kill the read below
	// would block for the full sleep.
	c := New(Options{Command: "sh", Args: []string{"-c", "sleep 30 & wait"}, Stderr: StderrDiscard})
	require.NoError(t, c.Start(context.Background()))

	read := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(c.Stdout())
		read <- err
	}()

	require.NoError(t, c.Kill())

	select {
	case err := <-read:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stdout did not close after kill")
	}
}

func TestChild_KillBeforeStart(t *testing.T) {
	c := New(Options{Command: "cat"})
	require.ErrorIs(t, c.Kill(), ErrNotStarted)
}

func TestChild_StartTwice(t *testing.T) {
	requireShell(t)

	c := New(Options{Command: "cat", Stderr: StderrDiscard})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Kill() })

	require.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestChild_StartMissingBinary(t *testing.T) {
	c := New(Options{Command: "/nonexistent/mcp-server"})
	require.Error(t, c.Start(context.Background()))
}

package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietshell/qsh/core/shell"
)

// testEngine returns an engine whose stdout and stderr are captured in
// temp files.
func testEngine(t *testing.T) (*Engine, func() (stdout, stderr string)) {
	t.Helper()

	dir := t.TempDir()
	outFd, err := os.Create(filepath.Join(dir, "stdout"))
	require.NoError(t, err)
	errFd, err := os.Create(filepath.Join(dir, "stderr"))
	require.NoError(t, err)
	t.Cleanup(func() {
		outFd.Close()
		errFd.Close()
	})

	e := New(nil)
	e.Stdout = outFd
	e.Stderr = errFd

	read := func() (string, string) {
		stdout, err := os.ReadFile(outFd.Name())
		require.NoError(t, err)
		stderr, err := os.ReadFile(errFd.Name())
		require.NoError(t, err)
		return string(stdout), string(stderr)
	}
	return e, read
}

func mustParse(t *testing.T, line string) *shell.Pipeline {
	t.Helper()

	p, err := shell.Parse(line)
	require.NoError(t, err)
	return p
}

func TestExecuteEmptyPipeline(t *testing.T) {
	e := New(nil)

	assert.Equal(t, 0, e.Execute(nil))
	assert.Equal(t, 0, e.Execute(&shell.Pipeline{}))
}

func TestExecuteExitStatus(t *testing.T) {
	cases := []struct {
		name string
		line string
		want int
	}{
		{"success", "true", 0},
		{"failure", "false", 1},
		{"explicit code", "sh -c 'exit 3'", 3},
		{"only the last stage is observable", "sh -c 'exit 3' | true", 0},
		{"terminated by signal", "sh -c 'kill -TERM $$'", 143},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := testEngine(t)
			assert.Equal(t, tc.want, e.Execute(mustParse(t, tc.line)))
		})
	}
}

func TestExecuteCommandNotFound(t *testing.T) {
	e, read := testEngine(t)

	status := e.Execute(mustParse(t, "qsh-definitely-missing-binary"))
	assert.Equal(t, StatusExecFailure, status)

	_, stderr := read()
	assert.Contains(t, stderr, "qsh-definitely-missing-binary")
}

func TestExecutePipeTransparency(t *testing.T) {
	e, read := testEngine(t)

	// The same status grep would report reading the data directly.
	status := e.Execute(mustParse(t, `sh -c 'printf "a\nb\nc"' | grep b`))
	assert.Equal(t, 0, status)

	stdout, _ := read()
	assert.Equal(t, "b\n", stdout)
}

func TestExecutePipeNoMatch(t *testing.T) {
	e, _ := testEngine(t)

	status := e.Execute(mustParse(t, `sh -c 'printf "a\nc"' | grep b`))
	assert.Equal(t, 1, status)
}

func TestExecuteOutputRedirect(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.txt")
	e, _ := testEngine(t)

	require.Equal(t, 0, e.Execute(mustParse(t, "echo hello > "+out)))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	// The second run truncates.
	require.Equal(t, 0, e.Execute(mustParse(t, "echo again > "+out)))
	data, err = os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "again\n", string(data))
}

func TestExecuteAppendRedirect(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.txt")
	e, _ := testEngine(t)

	require.Equal(t, 0, e.Execute(mustParse(t, "echo one > "+out)))
	require.Equal(t, 0, e.Execute(mustParse(t, "echo two >> "+out)))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))
}

func TestExecuteInputRedirect(t *testing.T) {
	in := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(in, []byte("a\nb\n"), 0644))

	e, read := testEngine(t)
	status := e.Execute(mustParse(t, "grep b < "+in))
	assert.Equal(t, 0, status)

	stdout, _ := read()
	assert.Equal(t, "b\n", stdout)
}

func TestInputRedirectWinsOverPipe(t *testing.T) {
	in := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(in, []byte("b\n"), 0644))

	e, read := testEngine(t)
	status := e.Execute(mustParse(t, "sh -c 'echo nope' | grep b < "+in))
	assert.Equal(t, 0, status)

	stdout, _ := read()
	assert.Equal(t, "b\n", stdout)
}

func TestExecuteInputRedirectMissing(t *testing.T) {
	e, read := testEngine(t)

	status := e.Execute(mustParse(t, "cat < /definitely/missing/file.txt"))
	assert.Equal(t, 1, status)

	_, stderr := read()
	assert.Contains(t, stderr, "missing")
}

func TestStageFailureDoesNotAbortSiblings(t *testing.T) {
	e, read := testEngine(t)

	// The first stage's program doesn't exist; the last stage still runs
	// and its status is the pipeline's.
	status := e.Execute(mustParse(t, "qsh-missing-program | sh -c 'echo ran'"))
	assert.Equal(t, 0, status)

	stdout, _ := read()
	assert.Equal(t, "ran\n", stdout)
}

func TestExecuteBackground(t *testing.T) {
	e, read := testEngine(t)

	start := time.Now()
	status := e.Execute(mustParse(t, "sleep 2 &"))
	elapsed := time.Since(start)

	assert.Equal(t, 0, status)
	assert.Less(t, elapsed, time.Second, "background pipelines must not block")

	stdout, _ := read()
	assert.Regexp(t, `^\[\d+\]\n$`, stdout)
}

func TestInterruptForegroundGroup(t *testing.T) {
	e, _ := testEngine(t)

	done := make(chan int, 1)
	go func() {
		done <- e.Execute(mustParse(t, "sleep 5"))
	}()

	// Give the stage time to start, then broadcast.
	time.Sleep(200 * time.Millisecond)
	e.Interrupt()

	select {
	case status := <-done:
		assert.Equal(t, 130, status)
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not stop after interrupt")
	}
}

func TestInterruptWithoutForeground(t *testing.T) {
	e := New(nil)

	// No foreground group is active; this must be a no-op.
	e.Interrupt()
}

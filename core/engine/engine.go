// Package engine turns parsed pipelines into running process topologies.
//
// The engine is synchronous: real concurrency comes from the OS scheduling
// the spawned children. The only blocking operation exposed to callers is
// the wait for a foreground pipeline to finish.
package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/quietshell/qsh/core/logger"
	"github.com/quietshell/qsh/core/shell"
)

// StatusExecFailure is reported for a stage whose program could not be
// found or executed.
const StatusExecFailure = 127

// Engine executes pipelines. The standard handles default to the process's
// own and may be overridden before use.
type Engine struct {
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	log *logger.Log

	// fgPgid is the process group of the running foreground pipeline,
	// zero when none. It is only written through beginForeground and
	// endForeground; Interrupt reads it from the signal path.
	mu     sync.Mutex
	fgPgid int
}

// New returns an engine wired to the process's standard streams. log may be
// nil to disable event logging.
func New(log *logger.Log) *Engine {
	return &Engine{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		log:    log,
	}
}

// stage tracks one command of the pipeline while it runs. It replaces the
// parallel pid/fd bookkeeping arrays of classic shell implementations.
type stage struct {
	cmd     *exec.Cmd
	status  int
	started bool
}

// pipePair is one OS pipe: two independently owned descriptors.
type pipePair struct {
	r, w *os.File
}

// openPipes allocates every pipe of the topology up front so that an
// allocation failure aborts before any process exists.
func openPipes(n int) ([]pipePair, error) {
	pipes := make([]pipePair, 0, n)
	for i := 0; i < n; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			for _, pp := range pipes {
				pp.r.Close()
				pp.w.Close()
			}
			return nil, err
		}
		pipes = append(pipes, pipePair{r: r, w: w})
	}
	return pipes, nil
}

// Execute runs the pipeline and returns its exit status.
//
// Foreground pipelines block until every stage has terminated and report
// the final stage's status: its exit code, or 128+signal if it was killed.
// Background pipelines print the last pid as "[pid]" and return 0 without
// waiting. An empty pipeline is a no-op returning 0.
func (e *Engine) Execute(p *shell.Pipeline) int {
	if p.Empty() {
		return 0
	}

	n := len(p.Commands)
	background := p.Commands[n-1].Background

	pipes, err := openPipes(n - 1)
	if err != nil {
		fmt.Fprintf(e.Stderr, "qsh: pipe: %v\n", err)
		return 1
	}

	stages := make([]*stage, n)
	pgid := 0
	spawnFailed := false

	for i, c := range p.Commands {
		var pipeIn, pipeOut *os.File
		if i > 0 {
			pipeIn = pipes[i-1].r
		}
		if i < n-1 {
			pipeOut = pipes[i].w
		}

		st, err := e.startStage(c, pipeIn, pipeOut, &pgid, background)
		stages[i] = st

		// Each pipe end belongs to exactly one child once it is handed
		// over; a parent copy left open would stop downstream readers
		// from ever seeing EOF.
		if pipeIn != nil {
			pipeIn.Close()
		}
		if pipeOut != nil {
			pipeOut.Close()
		}

		if err != nil {
			fmt.Fprintf(e.Stderr, "qsh: %s: %v\n", c.Args[0], err)
			spawnFailed = true
			break
		}
	}

	if spawnFailed {
		// Close the pipes later stages would have used, then reap
		// everything already running rather than abandoning it. Writers
		// whose reader never existed die on SIGPIPE, so this cannot hang.
		for _, pp := range pipes {
			pp.r.Close()
			pp.w.Close()
		}
		e.waitAll(stages)
		e.endForeground()
		return 1
	}

	if background {
		if last := stages[n-1]; last.started {
			pid := last.cmd.Process.Pid
			fmt.Fprintf(e.Stdout, "[%d]\n", pid)
			e.log.Record(logger.Entry{Event: logger.EventBackgroundStart, Pid: pid})
		}
		// Background children are deliberately not reaped; see DESIGN.md.
		return 0
	}

	status := e.waitAll(stages)
	e.endForeground()
	return status
}

// startStage launches one command of the pipeline.
//
// A nil error with an unstarted stage means the failure was confined to
// that stage (unreadable redirect target, unknown program); the stage
// carries its own status and siblings are unaffected. A non-nil error is a
// resource-level failure that aborts the whole pipeline.
func (e *Engine) startStage(c shell.Command, pipeIn, pipeOut *os.File, pgid *int, background bool) (*stage, error) {
	st := &stage{status: 1}

	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	cmd.Stdin = e.Stdin
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	if pipeIn != nil {
		cmd.Stdin = pipeIn
	}
	if pipeOut != nil {
		cmd.Stdout = pipeOut
	}

	// Redirections win over pipe connections.
	var redirs []*os.File
	closeRedirs := func() {
		for _, f := range redirs {
			f.Close()
		}
	}
	if c.InputFile != "" {
		f, err := os.Open(c.InputFile)
		if err != nil {
			fmt.Fprintf(e.Stderr, "qsh: %v\n", err)
			return st, nil
		}
		redirs = append(redirs, f)
		cmd.Stdin = f
	}
	if c.OutputFile != "" {
		flags := os.O_WRONLY | os.O_CREATE
		if c.AppendOutput {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(c.OutputFile, flags, 0644)
		if err != nil {
			closeRedirs()
			fmt.Fprintf(e.Stderr, "qsh: %v\n", err)
			return st, nil
		}
		redirs = append(redirs, f)
		cmd.Stdout = f
	}
	// The child holds its own duplicates after Start; the parent copies of
	// redirect targets must not outlive the spawn.
	defer closeRedirs()

	if !background {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: *pgid}
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			fmt.Fprintf(e.Stderr, "qsh: %s: %v\n", c.Args[0], err)
			st.status = StatusExecFailure
			return st, nil
		}
		return st, err
	}

	st.cmd = cmd
	st.started = true

	if !background && *pgid == 0 {
		pid := cmd.Process.Pid
		*pgid = pid
		// Set the group from the parent as well so later stages can join
		// it without racing the first child's own setpgid.
		_ = unix.Setpgid(pid, pid)
		e.beginForeground(pid)
	}

	return st, nil
}

// waitAll reaps every started stage and returns the final stage's status.
// Intermediate statuses are collected but discarded, matching pipeline
// semantics where only the terminal stage's status is observable.
func (e *Engine) waitAll(stages []*stage) int {
	for _, st := range stages {
		if st == nil || !st.started {
			continue
		}
		err := st.cmd.Wait()
		switch ps := st.cmd.ProcessState; {
		case ps != nil:
			if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				st.status = 128 + int(ws.Signal())
			} else {
				st.status = ps.ExitCode()
			}
		case err != nil:
			st.status = 1
		}
	}

	last := stages[len(stages)-1]
	if last == nil {
		return 1
	}
	return last.status
}

func (e *Engine) beginForeground(pgid int) {
	e.mu.Lock()
	e.fgPgid = pgid
	e.mu.Unlock()
}

func (e *Engine) endForeground() {
	e.mu.Lock()
	e.fgPgid = 0
	e.mu.Unlock()
}

// Interrupt broadcasts SIGINT to the foreground process group, if one is
// active. It is the only entry point intended for the asynchronous signal
// path: it reads engine state and issues one syscall, nothing more.
func (e *Engine) Interrupt() {
	e.mu.Lock()
	pgid := e.fgPgid
	e.mu.Unlock()

	if pgid > 0 {
		_ = unix.Kill(-pgid, unix.SIGINT)
	}
}

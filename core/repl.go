// Package core wires the shell's interactive surface: line input, prompt
// rendering, builtins, and dispatch into the parser and engine.
package core

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/abiosoft/readline"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/quietshell/qsh/core/config"
	"github.com/quietshell/qsh/core/engine"
	"github.com/quietshell/qsh/core/logger"
	"github.com/quietshell/qsh/core/shell"
)

const (
	EnvHome = "HOME"
	EnvUser = "USER"

	DefaultPrompt = `\u@\h:\w\$ `
)

var promptColor = color.New(color.FgGreen, color.Bold)

// Shell is one interactive session: a readline instance feeding the parser
// and execution engine.
type Shell struct {
	Config   *config.Configuration
	Engine   *engine.Engine
	Readline *readline.Instance

	log        *logger.Log
	lastStatus int
	toClose    listCloser
}

func NewShell(cfg *config.Configuration) (*Shell, error) {
	var toClose listCloser

	var eventLog *logger.Log
	if cfg.LogCommands {
		fd, err := cfg.OpenEventLog()
		if err != nil {
			return nil, err
		}
		toClose = append(toClose, fd)
		eventLog = logger.New(fd)
	}

	rl, err := readline.NewEx(&readline.Config{
		HistoryFile: cfg.HistoryPath(),
	})
	if err != nil {
		toClose.Close()
		return nil, err
	}
	toClose = append(toClose, rl)

	s := &Shell{
		Config:   cfg,
		Engine:   engine.New(eventLog),
		Readline: rl,
		log:      eventLog,
		toClose:  toClose,
	}

	s.log.Record(logger.Entry{Event: logger.EventSessionStart})
	return s, nil
}

// ForwardInterrupts routes SIGINT to the engine's foreground process group
// until the returned stop function is called. SIGTSTP is ignored.
func (s *Shell) ForwardInterrupts() (stop func()) {
	signal.Ignore(syscall.SIGTSTP)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	go func() {
		for range interrupts {
			s.Engine.Interrupt()
		}
	}()

	return func() {
		signal.Stop(interrupts)
		close(interrupts)
	}
}

// Run drives the interactive loop until EOF or an exit directive and
// returns the last pipeline's exit status.
func (s *Shell) Run() int {
	for {
		s.Readline.SetPrompt(s.prompt())
		line, err := s.Readline.Readline()

		switch {
		case err == io.EOF:
			return s.lastStatus // Input closed, quit.

		case err == readline.ErrInterrupt:
			continue // Interrupt clears the line.

		case err != nil:
			log.Printf("readline: %v", err)
			continue
		}

		// The exit directive belongs to the loop, never the engine.
		if line == "exit" {
			return s.lastStatus
		}

		s.lastStatus = s.Eval(line)
	}
}

// Eval parses and executes one command line, returning its exit status.
func (s *Shell) Eval(line string) int {
	if len(line) > shell.MaxLineLen {
		line = line[:shell.MaxLineLen]
	}

	pipeline, err := shell.Parse(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qsh: %v\n", err)
		s.log.Record(logger.Entry{Event: logger.EventParseError, Error: err.Error()})
		return 1
	}
	if pipeline.Empty() {
		return 0
	}

	if args, ok := builtinFor(pipeline); ok {
		return s.builtinCd(args)
	}

	status := s.Engine.Execute(pipeline)
	s.log.Record(logger.Entry{
		Event:      logger.EventExec,
		Argv:       argvs(pipeline),
		Background: pipeline.Commands[len(pipeline.Commands)-1].Background,
		Status:     status,
	})
	return status
}

func (s *Shell) Close() error {
	return s.toClose.Close()
}

// builtinFor reports whether the pipeline is a bare builtin invocation.
// Only cd qualifies today: a child's working directory dies with it, so cd
// must never reach the engine. Builtins take no part in pipes, redirection
// or background runs.
func builtinFor(p *shell.Pipeline) ([]string, bool) {
	if len(p.Commands) != 1 {
		return nil, false
	}
	c := p.Commands[0]
	if c.Background || c.InputFile != "" || c.OutputFile != "" {
		return nil, false
	}
	if len(c.Args) > 0 && c.Args[0] == "cd" {
		return c.Args, true
	}
	return nil, false
}

func (s *Shell) builtinCd(args []string) int {
	switch len(args) {
	case 1:
		args = append(args, os.Getenv(EnvHome))
		fallthrough
	case 2:
		if err := os.Chdir(args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
			return 1
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "%s: too many arguments\n", args[0])
		return 1
	}
}

func (s *Shell) prompt() string {
	prompt := s.Config.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}

	host, _ := os.Hostname()
	pwd, _ := os.Getwd()
	home, _ := os.UserHomeDir()

	prompt = expandPrompt(prompt, os.Getenv(EnvUser), host, pwd, home, os.Geteuid() == 0)

	if s.shouldColor() {
		return promptColor.Sprint(prompt)
	}
	return prompt
}

// expandPrompt fills a PS1-style template: \u user, \h hostname, \w working
// directory with home collapsed to ~, \$ becomes # for root.
func expandPrompt(prompt, user, host, pwd, home string, root bool) string {
	prompt = strings.ReplaceAll(prompt, `\u`, user)
	prompt = strings.ReplaceAll(prompt, `\h`, host)

	if home != "" && strings.HasPrefix(pwd, home) {
		pwd = "~" + strings.TrimPrefix(pwd, home)
	}
	prompt = strings.ReplaceAll(prompt, `\w`, pwd)

	if root {
		prompt = strings.ReplaceAll(prompt, `\$`, "#")
	} else {
		prompt = strings.ReplaceAll(prompt, `\$`, "$")
	}

	return prompt
}

func (s *Shell) shouldColor() bool {
	switch s.Config.Color {
	case config.ColorAlways:
		return true
	case config.ColorNever:
		return false
	default:
		return term.IsTerminal(int(os.Stdout.Fd()))
	}
}

func argvs(p *shell.Pipeline) [][]string {
	out := make([][]string, 0, len(p.Commands))
	for _, c := range p.Commands {
		out = append(out, c.Args)
	}
	return out
}

type listCloser []io.Closer

func (lc listCloser) Close() error {
	var lastErr error
	for _, v := range lc {
		if err := v.Close(); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

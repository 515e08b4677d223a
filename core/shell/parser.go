// Package shell parses raw command lines into executable pipelines.
//
// Parsing is a pure function of the input text: no I/O, no globals. The
// result is a Pipeline of Command stages that the execution engine turns
// into live processes.
package shell

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const (
	// MaxLineLen is the longest command line the shell accepts. Callers
	// truncate longer input before parsing.
	MaxLineLen = 4096
	// MaxTokens bounds the number of tokens on a single line.
	MaxTokens = 256
	// MaxPipes bounds the number of stages in a pipeline.
	MaxPipes = 64
)

var (
	ErrMissingCommand        = errors.New("missing command")
	ErrMissingRedirectTarget = errors.New("missing redirect target")
	ErrTooManyTokens         = errors.New("too many tokens")
	ErrTooManyPipes          = errors.New("too many pipeline stages")
)

// Command is one stage of a pipeline.
type Command struct {
	// Args is the argument vector, program name first. Never empty for a
	// parsed stage.
	Args []string
	// InputFile redirects stdin; it wins over any pipe connection.
	InputFile string
	// OutputFile redirects stdout; it wins over any pipe connection.
	OutputFile string
	// AppendOutput selects append over truncate for OutputFile.
	AppendOutput bool
	// Background marks the pipeline for background execution. The parser
	// only ever sets it on the final stage.
	Background bool
}

// Pipeline is an ordered chain of commands whose standard streams are
// connected stage to stage.
type Pipeline struct {
	Commands []Command
}

// Empty reports whether the pipeline contains no work. Blank and comment
// lines parse to empty pipelines rather than errors.
func (p *Pipeline) Empty() bool {
	return p == nil || len(p.Commands) == 0
}

// token is a single word of the command line. Operator recognition only
// applies to unquoted tokens, so `echo "|"` passes a literal bar.
type token struct {
	text   string
	quoted bool
}

// tokenize splits a line on unquoted whitespace. Quote characters open a
// span in which whitespace is preserved; the quotes themselves are
// stripped. An unterminated quote consumes the rest of the line.
func tokenize(line string) ([]token, error) {
	var tokens []token

	runes := []rune(line)
	i := 0
	for i < len(runes) {
		for i < len(runes) && unicode.IsSpace(runes[i]) {
			i++
		}
		if i >= len(runes) {
			break
		}

		var b strings.Builder
		var quote rune
		quoted := false
		for i < len(runes) {
			r := runes[i]
			if quote == 0 && unicode.IsSpace(r) {
				break
			}
			switch {
			case quote == 0 && (r == '\'' || r == '"'):
				quote = r
				quoted = true
			case quote != 0 && r == quote:
				quote = 0
			default:
				b.WriteRune(r)
			}
			i++
		}

		if len(tokens) == MaxTokens {
			return nil, fmt.Errorf("%w: limit is %d", ErrTooManyTokens, MaxTokens)
		}
		tokens = append(tokens, token{text: b.String(), quoted: quoted})
	}

	return tokens, nil
}

// Parse converts a raw command line into a Pipeline.
//
// Blank lines and lines whose first non-space character is '#' yield an
// empty Pipeline and no error. On error no partially built Pipeline is
// returned.
func Parse(line string) (*Pipeline, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return &Pipeline{}, nil
	}

	tokens, err := tokenize(line)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{}
	var cur Command

	// endStage finishes the stage being accumulated and appends it.
	endStage := func() error {
		if len(cur.Args) == 0 {
			return ErrMissingCommand
		}
		if len(p.Commands) == MaxPipes {
			return fmt.Errorf("%w: limit is %d", ErrTooManyPipes, MaxPipes)
		}
		p.Commands = append(p.Commands, cur)
		cur = Command{}
		return nil
	}

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.quoted {
			cur.Args = append(cur.Args, tok.text)
			continue
		}

		switch tok.text {
		case "|":
			if err := endStage(); err != nil {
				return nil, err
			}
		case "<":
			i++
			if i >= len(tokens) {
				return nil, fmt.Errorf("%w after %q", ErrMissingRedirectTarget, tok.text)
			}
			cur.InputFile = tokens[i].text
		case ">", ">>":
			i++
			if i >= len(tokens) {
				return nil, fmt.Errorf("%w after %q", ErrMissingRedirectTarget, tok.text)
			}
			cur.OutputFile = tokens[i].text
			cur.AppendOutput = tok.text == ">>"
		case "&":
			// Background marks the stage being built and ends the scan;
			// anything after it is dropped. Stopping here is what keeps
			// the flag on the final stage only.
			cur.Background = true
			if err := endStage(); err != nil {
				return nil, err
			}
			return p, nil
		default:
			cur.Args = append(cur.Args, tok.text)
		}
	}

	if err := endStage(); err != nil {
		return nil, err
	}
	return p, nil
}

// Package cli holds the terminal prompts used by the gateway's setup and
// admin commands.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

// ErrNoInput is returned when input ends before a valid answer was given.
var ErrNoInput = errors.New("cli: no input")

// Prompter reads answers from In and writes questions to Out.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
	eof     bool
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) readLine() string {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	p.eof = true
	return ""
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// Ask prints a question with a default value and reads one line.
// An empty answer returns the default.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		p.printf("%s [%s]: ", question, defaultVal)
	} else {
		p.printf("%s: ", question)
	}
	if line := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// AskRequired repeats the question until a non-empty answer is given.
func (p *Prompter) AskRequired(question string) (string, error) {
	for {
		if ans := p.Ask(question, ""); ans != "" {
			return ans, nil
		}
		if p.eof {
			return "", ErrNoInput
		}
		p.printf("  A value is required.\n")
	}
}

// AskPassword reads a line without echo when In is a terminal, and a plain
// line otherwise.
func (p *Prompter) AskPassword(question string) string {
	p.printf("%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.readLine()
}

// AskNewPassword asks for a password twice and returns it once both entries
// match and it is at least minLen characters long.
func (p *Prompter) AskNewPassword(question string, minLen int) (string, error) {
	for {
		pw := p.AskPassword(question)
		if p.eof {
			return "", ErrNoInput
		}
		if len(pw) < minLen {
			p.printf("  Password must be at least %d characters.\n", minLen)
			continue
		}
		if p.AskPassword("Confirm "+strings.ToLower(question)) != pw {
			if p.eof {
				return "", ErrNoInput
			}
			p.printf("  Passwords do not match.\n")
			continue
		}
		return pw, nil
	}
}

// AskSize asks for a byte size such as "1mb" or "512 KiB", read by parse.
// An empty answer keeps defaultVal.
func (p *Prompter) AskSize(question string, defaultVal int64, parse func(string) (int64, error)) int64 {
	shown := humanize.IBytes(uint64(defaultVal))
	for {
		ans := p.Ask(question, shown)
		if ans == shown {
			return defaultVal
		}
		n, err := parse(ans)
		if err == nil && n > 0 {
			return n
		}
		if p.eof {
			return defaultVal
		}
		p.printf("  Please enter a size such as 64kb or 1mb.\n")
	}
}

// AskDuration asks for a positive duration such as "30s".
func (p *Prompter) AskDuration(question string, defaultVal time.Duration) time.Duration {
	for {
		ans := p.Ask(question, defaultVal.String())
		d, err := time.ParseDuration(ans)
		if err == nil && d > 0 {
			return d
		}
		if p.eof {
			return defaultVal
		}
		p.printf("  Please enter a duration such as 30s or 1m.\n")
	}
}

// Choose presents a numbered list of options and returns the selected value.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		p.printf("%s%d) %s\n", marker, i+1, opt)
	}
	for {
		ans := p.Ask("Choice", strconv.Itoa(defaultIdx+1))
		n, err := strconv.Atoi(ans)
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		if p.eof {
			return options[defaultIdx]
		}
		p.printf("  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}

package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"heroinit/internal/app"
)

// ErrExit is returned by Exec when the line asked the shell to stop.
var ErrExit = errors.New("exit")

// ServerControl lets the shell start and stop the status service it shares
// its session with.
type ServerControl interface {
	Start() (addr string, err error)
	Stop(ctx context.Context) error
	Running() bool
}

// Shell interprets hero_init command lines against one session.
type Shell struct {
	sess   *app.Session
	out    io.Writer
	server ServerControl
}

type Option func(*Shell)

// WithServer enables the server start|stop command.
func WithServer(s ServerControl) Option {
	return func(sh *Shell) {
		sh.server = s
	}
}

func New(sess *app.Session, out io.Writer, opts ...Option) *Shell {
	if out == nil {
		out = os.Stdout
	}
	sh := &Shell{sess: sess, out: out}
	for _, opt := range opts {
		opt(sh)
	}
	return sh
}

// Prompt renders "hero_init T:S >>> " for the current cursor.
func (sh *Shell) Prompt() string {
	st := sh.sess.Status()
	return fmt.Sprintf("hero_init %d:%d >>> ", st.Turn, st.Segment)
}

// Exec runs one command line. Blank lines and comments are ignored.
func (sh *Shell) Exec(ctx context.Context, line string) error {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return nil
	}
	args, err := Split(trimmed)
	if err != nil {
		return err
	}
	root := sh.commands()
	root.SetArgs(args)
	root.SetOut(sh.out)
	root.SetErr(sh.out)
	return root.ExecuteContext(ctx)
}

// RunScript executes every line of path and stops at the first failure.
func (sh *Shell) RunScript(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	n := 0
	for scanner.Scan() {
		n++
		if err := sh.Exec(ctx, scanner.Text()); err != nil {
			if errors.Is(err, ErrExit) {
				return err
			}
			return fmt.Errorf("%s:%d: %w", path, n, err)
		}
	}
	return scanner.Err()
}

// Loop reads commands from in until EOF or exit. Errors are printed and
// do not stop the loop.
func (sh *Shell) Loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(sh.out, sh.Prompt())
		if !scanner.Scan() {
			fmt.Fprintln(sh.out)
			return scanner.Err()
		}
		if done := sh.handle(ctx, scanner.Text()); done {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (sh *Shell) handle(ctx context.Context, line string) bool {
	err := sh.Exec(ctx, line)
	switch {
	case errors.Is(err, ErrExit):
		return true
	case err != nil:
		fmt.Fprintf(sh.out, "[ERROR] %s\n", err)
	}
	return false
}

// Interactive runs the loop with line editing and history when stdin is a
// terminal, and falls back to Loop otherwise.
func (sh *Shell) Interactive(ctx context.Context) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return sh.Loop(ctx, os.Stdin)
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return sh.Loop(ctx, os.Stdin)
	}
	defer term.Restore(fd, state)

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "")
	if w, h, err := term.GetSize(fd); err == nil {
		t.SetSize(w, h)
	}
	prev := sh.out
	sh.out = t
	defer func() { sh.out = prev }()
	for {
		t.SetPrompt(sh.Prompt())
		line, err := t.ReadLine()
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(t)
			return nil
		}
		if err != nil {
			return err
		}
		if done := sh.handle(ctx, line); done {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

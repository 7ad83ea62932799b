package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/ZanzyTHEbar/prompt-console/pcon/conversation"
	"github.com/ZanzyTHEbar/prompt-console/pcon/gateway"
	"github.com/ZanzyTHEbar/prompt-console/pcon/harness/adapters"
	ports "github.com/ZanzyTHEbar/prompt-console/pcon/harness/ports"
	"github.com/ZanzyTHEbar/prompt-console/pcon/session"
)

const helpText = `Commands:
  /reset            clear the conversation here and on the backend
  /use <version>    switch prompt version (resets the session)
  /prompts          list prompt versions
  /log              show the conversation
  /history [n]      show the last n archived turns
  /stats            show polling statistics
  /help             show this help
  /quit             leave
Anything else is sent as a message.`

// repl is the line-oriented front end over a session controller.
type repl struct {
	ctrl *session.Controller
	in   *bufio.Scanner
	out  io.Writer
}

func newREPL(ctrl *session.Controller, in io.Reader, out io.Writer) *repl {
	return &repl{ctrl: ctrl, in: bufio.NewScanner(in), out: out}
}

var errQuit = errors.New("quit")

func (r *repl) run(ctx context.Context) error {
	fmt.Fprintln(r.out, "Type /help for commands.")
	for {
		fmt.Fprint(r.out, "> ")
		if !r.in.Scan() {
			fmt.Fprintln(r.out)
			return r.in.Err()
		}
		if err := r.handle(ctx, r.in.Text()); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

// surfaced drops errors the controller already reported through its
// notifier.
func surfaced(err error) error {
	if err == nil || errors.Is(err, session.ErrClosed) {
		return err
	}
	return nil
}

func (r *repl) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return r.send(ctx, line)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/reset":
		return surfaced(r.ctrl.ResetSession(ctx))
	case "/use":
		if len(fields) < 2 {
			return r.completeVersion(ctx, "")
		}
		return surfaced(r.ctrl.SelectPromptVersion(ctx, fields[1]))
	case "/prompts":
		return r.listPrompts(ctx)
	case "/log":
		r.printLog()
	case "/history":
		limit := 20
		if len(fields) > 1 {
			n, err := strconv.Atoi(fields[1])
			if err != nil || n < 0 {
				return fmt.Errorf("invalid count %q", fields[1])
			}
			limit = n
		}
		return r.printHistory(ctx, limit)
	case "/stats":
		r.printStats()
	default:
		return fmt.Errorf("unknown command %s, try /help", fields[0])
	}
	return nil
}

// send submits text and streams the reply as it grows.
func (r *repl) send(ctx context.Context, text string) error {
	sub, err := r.ctrl.SubmitTurn(ctx, text)
	if err != nil {
		return surfaced(err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = sub.Wait(ctx)
		close(done)
	}()

	changes := r.ctrl.Log().Changes()
	printed := ""
	for {
		select {
		case <-changes:
			printed = r.printDelta(sub.ReplyTurn, printed)
		case <-done:
			printed = r.printDelta(sub.ReplyTurn, printed)
			if printed != "" {
				fmt.Fprintln(r.out)
			}
			return nil
		}
	}
}

// printDelta writes what the reply gained since printed and returns the
// text now on screen.
func (r *repl) printDelta(id conversation.TurnID, printed string) string {
	turn, ok := r.ctrl.Log().Get(id)
	if !ok {
		return printed
	}
	fmt.Fprint(r.out, replyDelta(printed, turn.Text))
	return turn.Text
}

// replyDelta returns the output that brings a screen showing printed up to
// current. A reply that no longer extends printed is written again in full
// on a fresh line.
func replyDelta(printed, current string) string {
	if printed == current {
		return ""
	}
	if strings.HasPrefix(current, printed) {
		return current[len(printed):]
	}
	if printed == "" {
		return current
	}
	return "\n" + current
}

func (r *repl) completeVersion(ctx context.Context, prefix string) error {
	versions, err := r.ctrl.Catalog().Complete(ctx, prefix)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "usage: /use <version> (%s)\n", strings.Join(versions, ", "))
	return nil
}

func (r *repl) listPrompts(ctx context.Context) error {
	prompts, err := r.ctrl.Catalog().Refresh(ctx)
	if err != nil {
		return err
	}
	sel, _ := r.ctrl.Selection()
	printPrompts(r.out, prompts, gateway.ActiveVersions{Staging: sel.Version})
	return nil
}

func (r *repl) printLog() {
	turns := r.ctrl.Turns()
	if len(turns) == 0 {
		fmt.Fprintln(r.out, "(empty)")
		return
	}
	for _, t := range turns {
		fmt.Fprintf(r.out, "[%d] %s: %s\n", t.ID, t.Role, t.Text)
	}
}

func (r *repl) printHistory(ctx context.Context, limit int) error {
	turns, err := r.ctrl.History(ctx, limit)
	if err != nil {
		return err
	}
	for _, t := range turns {
		fmt.Fprintf(r.out, "%s %s: %s\n", t.CreatedAt.Format("15:04:05"), t.Role, t.Content)
	}
	return nil
}

func (r *repl) printStats() {
	s := r.ctrl.Metrics().Summary()
	fmt.Fprintf(r.out, "jobs=%d polls mean=%.1f p95=%.1f settle mean=%s p95=%s active=%d\n",
		s.Jobs, s.MeanPolls, s.P95Polls, s.MeanSettle, s.P95Settle, r.ctrl.ActivePollers())
}

func printPrompts(out io.Writer, prompts []gateway.Prompt, active gateway.ActiveVersions) {
	for _, p := range prompts {
		var marks []string
		if p.Version == active.Staging {
			marks = append(marks, "staging")
		}
		if p.Version == active.Prod {
			marks = append(marks, "prod")
		}
		suffix := ""
		if len(marks) > 0 {
			suffix = " [" + strings.Join(marks, ",") + "]"
		}
		fmt.Fprintf(out, "%-6s %s%s\n", p.Version, p.Name, suffix)
	}
}

// consoleNotifier prints warnings and errors inline with the conversation.
func consoleNotifier(out io.Writer) ports.Notifier {
	return adapters.NotifierFunc(func(_ context.Context, n ports.Notification) {
		switch n.Level {
		case ports.LevelWarning, ports.LevelError:
			fmt.Fprintf(out, "! %s: %s\n", n.Title, n.Message)
		default:
			fmt.Fprintf(out, "* %s\n", n.Message)
		}
	})
}

// syncWriter serializes writes from the prompt loop and notifier callbacks.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

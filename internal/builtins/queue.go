// ABOUTME: show-queue and kill commands for operators
// ABOUTME: kill accepts full invocation ids or unique prefixes as shown by show-queue

package builtins

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/2389/coven-sshd/internal/capability"
	"github.com/2389/coven-sshd/internal/command"
)

// shortIDLen is how much of an invocation id show-queue prints by default.
const shortIDLen = 8

// QueueCommands returns show-queue and kill.
func QueueCommands(q Queue) []command.Descriptor {
	h := &queueHandlers{queue: q, now: time.Now}
	return []command.Descriptor{
		{
			Name:     "show-queue",
			Usage:    "show-queue [-w]",
			Summary:  "Display running and queued commands",
			Required: capability.NewSet(CapViewQueue),
			Factory:  h.ShowQueue,
		},
		{
			Name:     "kill",
			Usage:    "kill <id>...",
			Summary:  "Cancel running or queued commands",
			Required: capability.NewSet(CapKillTask),
			Factory:  h.Kill,
		},
	}
}

type queueHandlers struct {
	queue Queue
	now   func() time.Time
}

// ShowQueue prints every outstanding invocation, oldest first.
func (h *queueHandlers) ShowQueue(env command.Env) (command.Handler, error) {
	return command.HandlerFunc(func(ctx context.Context) (int, error) {
		fs := newFlagSet(env)
		wide := fs.Bool("w", false, "show full ids and untruncated command lines")
		if done, code, err := parseArgs(fs, env, "show-queue [-w]"); done {
			return code, err
		}

		tasks := h.queue.List()
		w := tabwriter.NewWriter(env.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "Task\tState\tAge\tPrincipal\tCommand")
		for _, t := range tasks {
			id, line := t.ID, t.Line
			if line == "" {
				line = strings.Join(append([]string{t.Command}, t.Args...), " ")
			}
			if !*wide {
				id = shortID(id)
				line = truncate(line, 40)
			}
			age := h.now().Sub(t.StartTime).Truncate(time.Second)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, t.State, age, t.Principal, line)
		}
		if err := w.Flush(); err != nil {
			return command.ExitFailure, err
		}
		fmt.Fprintln(env.Stdout, strings.Repeat("-", 78))
		fmt.Fprintf(env.Stdout, "  %d tasks\n", len(tasks))
		return command.ExitOK, nil
	}), nil
}

// Kill cancels the named invocations. Unknown or ambiguous ids are reported
// and make the command fail after the others were cancelled.
func (h *queueHandlers) Kill(env command.Env) (command.Handler, error) {
	return command.HandlerFunc(func(ctx context.Context) (int, error) {
		if len(env.Args) == 0 {
			return command.ExitUsage, errors.New("no task id given; usage: kill <id>...")
		}

		failed := 0
		for _, arg := range env.Args {
			id, err := h.resolve(arg)
			if err == nil {
				err = h.queue.Cancel(id)
			}
			if err != nil {
				fmt.Fprintf(env.Stderr, "kill: %s: %v\n", arg, err)
				failed++
				continue
			}
			fmt.Fprintf(env.Stdout, "kill: %s: cancelled\n", shortID(id))
		}
		if failed > 0 {
			return command.ExitFailure, fmt.Errorf("%d of %d tasks could not be cancelled", failed, len(env.Args))
		}
		return command.ExitOK, nil
	}), nil
}

var (
	errNoSuchTask     = errors.New("no such task")
	errAmbiguousTask  = errors.New("ambiguous task id")
	errTaskIDTooShort = errors.New("task id too short")
)

// resolve expands a unique prefix into a full invocation id.
func (h *queueHandlers) resolve(prefix string) (string, error) {
	if len(prefix) < 4 {
		return "", errTaskIDTooShort
	}
	var match string
	for _, t := range h.queue.List() {
		if t.ID == prefix {
			return t.ID, nil
		}
		if strings.HasPrefix(t.ID, prefix) {
			if match != "" {
				return "", errAmbiguousTask
			}
			match = t.ID
		}
	}
	if match == "" {
		return "", errNoSuchTask
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) <= shortIDLen {
		return id
	}
	return id[:shortIDLen]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// ABOUTME: gsql, an interactive SQL shell over the daemon's SQLite database
// ABOUTME: Reads ;-terminated statements, prints aligned tables or JSON rows

package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/2389/coven-sshd/internal/capability"
	"github.com/2389/coven-sshd/internal/command"
	"github.com/2389/coven-sshd/internal/store"
	"github.com/2389/coven-sshd/internal/stream"
)

const gsqlUsage = "gsql [--format pretty|json] [-c SQL]"

const gsqlHelp = `General
  \q        quit
  \h        this help

Query buffer
  \p        show the current query buffer
  \r        reset (clear) the query buffer

Informational
  \d        list tables
  \d NAME   describe table

Statements end with a semicolon.
`

type outputFormat string

const (
	formatPretty outputFormat = "pretty"
	formatJSON   outputFormat = "json"
)

// QueryCommands returns gsql.
func QueryCommands(db store.QueryStore) []command.Descriptor {
	h := &queryHandlers{db: db}
	return []command.Descriptor{
		{
			Name:     "gsql",
			Usage:    gsqlUsage,
			Summary:  "Administrative query shell on the daemon database",
			Required: capability.NewSet(CapAdmin),
			Factory:  h.Gsql,
		},
	}
}

type queryHandlers struct {
	db store.QueryStore
}

// Gsql runs one statement with -c, otherwise an interactive session on stdin.
func (h *queryHandlers) Gsql(env command.Env) (command.Handler, error) {
	return command.HandlerFunc(func(ctx context.Context) (int, error) {
		fs := newFlagSet(env)
		format := fs.String("format", string(formatPretty), "output format: pretty or json")
		statement := fs.String("c", "", "run one statement and exit")
		if done, code, err := parseArgs(fs, env, gsqlUsage); done {
			return code, err
		}
		if fs.NArg() > 0 {
			return command.ExitUsage, fmt.Errorf("unexpected argument %q; usage: %s", fs.Arg(0), gsqlUsage)
		}

		sh := &queryShell{db: h.db, stdout: env.Stdout, stderr: env.Stderr}
		switch outputFormat(*format) {
		case formatPretty, formatJSON:
			sh.format = outputFormat(*format)
		default:
			return command.ExitUsage, fmt.Errorf("unknown format %q; usage: %s", *format, gsqlUsage)
		}
		sh.enc = json.NewEncoder(env.Stdout)

		if *statement != "" {
			if err := sh.execute(ctx, trimStatement(*statement)); err != nil {
				return command.ExitFailure, err
			}
			return command.ExitOK, nil
		}
		return sh.run(ctx, env.Stdin)
	}), nil
}

type queryShell struct {
	db     store.QueryStore
	format outputFormat
	stdout io.Writer
	stderr io.Writer
	enc    *json.Encoder
	buffer strings.Builder
}

// maxQueryLine bounds one input line of the interactive shell.
const maxQueryLine = 1024 * 1024

type lineResult struct {
	line string
	err  error
}

// run reads lines until \q, EOF or cancellation. Exactly one line is read per
// prompt, so input typed after \q is left for the session.
func (sh *queryShell) run(ctx context.Context, stdin io.Reader) (int, error) {
	lines := stream.Lines(stdin)
	results := make(chan lineResult, 1)

	if sh.format == formatPretty {
		fmt.Fprintln(sh.stdout, "Welcome to coven-sshd gsql.")
		fmt.Fprintln(sh.stdout, `Type '\h' for help. Type '\q' to quit.`)
		fmt.Fprintln(sh.stdout)
	}

	for {
		sh.prompt()
		go func() {
			line, err := lines.ReadLine(maxQueryLine)
			results <- lineResult{line: line, err: err}
		}()

		var r lineResult
		select {
		case <-ctx.Done():
			return command.ExitCancelled, ctx.Err()
		case r = <-results:
		}

		switch {
		case r.err == nil:
		case errors.Is(r.err, stream.ErrLineTooLong):
			sh.reportError(fmt.Errorf("line exceeds %d bytes", maxQueryLine))
			continue
		case errors.Is(r.err, io.EOF), errors.Is(r.err, stream.ErrClosed):
			if r.line != "" && sh.handleLine(ctx, r.line) {
				return command.ExitOK, nil
			}
			if ctx.Err() != nil {
				return command.ExitCancelled, ctx.Err()
			}
			if sh.format == formatPretty {
				fmt.Fprintln(sh.stdout)
			}
			return command.ExitOK, nil
		default:
			return command.ExitFailure, fmt.Errorf("reading input: %w", r.err)
		}

		if sh.handleLine(ctx, r.line) {
			return command.ExitOK, nil
		}
	}
}

func (sh *queryShell) prompt() {
	if sh.format != formatPretty {
		return
	}
	if sh.buffer.Len() == 0 {
		fmt.Fprint(sh.stdout, "gsql> ")
	} else {
		fmt.Fprint(sh.stdout, "   -> ")
	}
}

// handleLine processes one input line and reports whether the shell should
// exit.
func (sh *queryShell) handleLine(ctx context.Context, line string) bool {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, `\`) {
		return sh.meta(ctx, trimmed)
	}
	if trimmed == "" && sh.buffer.Len() == 0 {
		return false
	}

	sh.buffer.WriteString(line)
	sh.buffer.WriteByte('\n')
	if !strings.HasSuffix(trimmed, ";") {
		return false
	}

	statement := trimStatement(sh.buffer.String())
	sh.buffer.Reset()
	if statement == "" {
		return false
	}
	if err := sh.execute(ctx, statement); err != nil {
		sh.reportError(err)
	}
	return false
}

func (sh *queryShell) meta(ctx context.Context, cmd string) bool {
	name, arg, _ := strings.Cut(cmd, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case `\q`:
		return true
	case `\h`, `\?`:
		fmt.Fprint(sh.stdout, gsqlHelp)
	case `\r`:
		sh.buffer.Reset()
		if sh.format == formatPretty {
			fmt.Fprintln(sh.stdout, "Query buffer reset (cleared).")
		}
	case `\p`:
		if sh.buffer.Len() == 0 {
			fmt.Fprintln(sh.stdout, "Query buffer is empty.")
		} else {
			fmt.Fprint(sh.stdout, sh.buffer.String())
		}
	case `\d`:
		var err error
		if arg == "" {
			err = sh.listTables(ctx)
		} else {
			err = sh.describe(ctx, arg)
		}
		if err != nil {
			sh.reportError(err)
		}
	default:
		sh.reportError(fmt.Errorf("unknown command %s, try \\h", name))
	}
	return false
}

func (sh *queryShell) execute(ctx context.Context, statement string) error {
	if statement == "" {
		return errors.New("empty statement")
	}
	start := time.Now()
	res, err := sh.db.Query(ctx, statement)
	if err != nil {
		return err
	}
	elapsed := time.Since(start).Milliseconds()

	if !res.HasRows {
		verb := strings.ToUpper(strings.Fields(statement)[0])
		if sh.format == formatJSON {
			return sh.enc.Encode(map[string]any{
				"type":                "update-stats",
				"rowCount":            res.RowsAffected,
				"runTimeMilliseconds": elapsed,
			})
		}
		_, err := fmt.Fprintf(sh.stdout, "%s %d; %d ms\n", verb, res.RowsAffected, elapsed)
		return err
	}

	if sh.format == formatJSON {
		for _, row := range res.Rows {
			cols := make(map[string]any, len(res.Columns))
			for i, c := range res.Columns {
				cols[c] = row[i]
			}
			if err := sh.enc.Encode(map[string]any{"type": "row", "columns": cols}); err != nil {
				return err
			}
		}
		return sh.enc.Encode(map[string]any{
			"type":                "query-stats",
			"rowCount":            len(res.Rows),
			"runTimeMilliseconds": elapsed,
		})
	}

	rows := make([][]string, len(res.Rows))
	for i, row := range res.Rows {
		rows[i] = make([]string, len(row))
		for j, v := range row {
			rows[i][j] = formatValue(v)
		}
	}
	if err := sh.table(res.Columns, rows); err != nil {
		return err
	}
	_, err = fmt.Fprintf(sh.stdout, "(%d rows; %d ms)\n", len(res.Rows), elapsed)
	return err
}

func (sh *queryShell) listTables(ctx context.Context) error {
	tables, err := sh.db.Tables(ctx)
	if err != nil {
		return err
	}
	if sh.format == formatJSON {
		for _, t := range tables {
			if err := sh.enc.Encode(map[string]any{"type": "row", "columns": map[string]any{"table_name": t}}); err != nil {
				return err
			}
		}
		return nil
	}
	rows := make([][]string, len(tables))
	for i, t := range tables {
		rows[i] = []string{t}
	}
	return sh.table([]string{"TABLE_NAME"}, rows)
}

func (sh *queryShell) describe(ctx context.Context, table string) error {
	cols, err := sh.db.Columns(ctx, table)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("table %s not found", table)
	}
	if err != nil {
		return err
	}
	if sh.format == formatJSON {
		for _, c := range cols {
			if err := sh.enc.Encode(map[string]any{"type": "row", "columns": map[string]any{
				"column_name": c.Name,
				"type":        c.Type,
				"not_null":    c.NotNull,
				"primary_key": c.PrimaryKey,
			}}); err != nil {
				return err
			}
		}
		return nil
	}

	fmt.Fprintf(sh.stdout, "Table %s\n", table)
	rows := make([][]string, len(cols))
	for i, c := range cols {
		var flags []string
		if c.PrimaryKey {
			flags = append(flags, "PRIMARY KEY")
		}
		if c.NotNull {
			flags = append(flags, "NOT NULL")
		}
		rows[i] = []string{c.Name, c.Type, strings.Join(flags, " ")}
	}
	return sh.table([]string{"COLUMN_NAME", "TYPE", ""}, rows)
}

func (sh *queryShell) table(header []string, rows [][]string) error {
	w := tabwriter.NewWriter(sh.stdout, 0, 0, 3, ' ', 0)
	rules := make([]string, len(header))
	for i, h := range header {
		rules[i] = strings.Repeat("-", max(len(h), 4))
	}
	fmt.Fprintln(w, " "+strings.Join(header, "\t"))
	fmt.Fprintln(w, " "+strings.Join(rules, "\t"))
	for _, r := range rows {
		fmt.Fprintln(w, " "+strings.Join(r, "\t"))
	}
	return w.Flush()
}

func (sh *queryShell) reportError(err error) {
	if sh.format == formatJSON {
		_ = sh.enc.Encode(map[string]any{"type": "error", "message": err.Error()})
		return
	}
	fmt.Fprintf(sh.stderr, "ERROR: %v\n", err)
}

func trimStatement(s string) string {
	s = strings.TrimSpace(s)
	for strings.HasSuffix(s, ";") {
		s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
	}
	return s
}

func formatValue(v any) string {
	if v == nil {
		return "NULL"
	}
	s := fmt.Sprint(v)
	return strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(s)
}

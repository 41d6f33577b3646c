package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/accord/internal/conn"
	"github.com/roach88/accord/internal/coord"
)

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	*RootOptions
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec <db-path> <sql>",
		Short: "Execute a statement through the coordinator",
		Long: `Execute a statement through the coordinator.

Queries (SELECT) run as isolated reads; everything else runs as a
serialized write. Rows are printed as text columns or JSON objects.

Example:
  accord exec app.db "SELECT id, name FROM player ORDER BY id"`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(opts, args[0], args[1], cmd.OutOrStdout())
		},
	}

	return cmd
}

func runExec(opts *ExecOptions, dbPath, query string, out io.Writer) error {
	cfg := DefaultConfig()
	if opts.Config != "" {
		loaded, err := LoadConfig(opts.Config)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	coordOpts, err := cfg.Options()
	if err != nil {
		return err
	}

	co, err := coord.Open(dbPath, coordOpts...)
	if err != nil {
		return err
	}
	defer co.Close()

	ctx := context.Background()
	if isQuery(query) {
		return co.Read(ctx, func(rctx context.Context, c *conn.Conn) error {
			rows, err := c.QueryContext(rctx, query)
			if err != nil {
				return err
			}
			defer rows.Close()
			return printRows(out, rows, opts.Format)
		})
	}

	if err := co.Execute(ctx, query); err != nil {
		return err
	}
	fmt.Fprintln(out, "ok")
	return nil
}

// isQuery reports whether the statement is a plain read.
func isQuery(stmt string) bool {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return false
	}
	head := strings.ToUpper(fields[0])
	return head == "SELECT" || head == "WITH" || head == "EXPLAIN"
}

// printRows writes a result set in the requested format.
func printRows(out io.Writer, rows *sql.Rows, format string) error {
	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("columns: %w", err)
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	if format == "text" {
		fmt.Fprintln(out, strings.Join(cols, "\t"))
	}

	enc := json.NewEncoder(out)
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		switch format {
		case "json":
			record := make(map[string]any, len(cols))
			for i, col := range cols {
				record[col] = normalizeValue(values[i])
			}
			if err := enc.Encode(record); err != nil {
				return err
			}
		default:
			cells := make([]string, len(cols))
			for i := range values {
				cells[i] = formatValue(values[i])
			}
			fmt.Fprintln(out, strings.Join(cells, "\t"))
		}
	}
	return rows.Err()
}

// normalizeValue makes driver values JSON-friendly.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// formatValue renders a driver value as a text cell.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

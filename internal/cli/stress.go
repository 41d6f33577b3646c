package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/accord/internal/conn"
	"github.com/roach88/accord/internal/coord"
	"github.com/roach88/accord/internal/notify"
)

// StressOptions holds flags for the stress command.
type StressOptions struct {
	*RootOptions
	Writers int
	Readers int
	Writes  int
}

// NewStressCommand creates the stress command.
func NewStressCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StressOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stress <db-path>",
		Short: "Hammer the coordinator with concurrent writers and readers",
		Long: `Hammer the coordinator with concurrent writers and readers.

Each writer appends rows through serialized write access while readers
run snapshot reads against the latest committed state. At the end the
command verifies that the number of committed rows matches the number of
observed change notifications, a cheap smoke check of total write
ordering and commit-only notification.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(opts, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&opts.Writers, "writers", 4, "concurrent writer goroutines")
	cmd.Flags().IntVar(&opts.Readers, "readers", 4, "concurrent reader goroutines")
	cmd.Flags().IntVar(&opts.Writes, "writes", 100, "writes per writer")

	return cmd
}

// countingObserver tallies notified row changes.
type countingObserver struct {
	events  atomic.Int64
	flushes atomic.Int64
}

func (o *countingObserver) DatabaseDidChange(events []notify.ChangeEvent) {
	o.events.Add(int64(len(events)))
	o.flushes.Add(1)
}

func runStress(opts *StressOptions, dbPath string, out io.Writer) error {
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
	if err := co.Execute(ctx, `CREATE TABLE IF NOT EXISTS stress (id INTEGER PRIMARY KEY, writer INTEGER NOT NULL, n INTEGER NOT NULL)`); err != nil {
		return err
	}
	if err := co.Execute(ctx, `DELETE FROM stress`); err != nil {
		return err
	}

	observer := &countingObserver{}
	co.AddObserver(observer)
	defer co.RemoveObserver(observer)

	start := time.Now()
	var wg sync.WaitGroup
	writeErrs := make(chan error, opts.Writers)

	for w := 0; w < opts.Writers; w++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			for n := 0; n < opts.Writes; n++ {
				err := co.Execute(ctx, `INSERT INTO stress (writer, n) VALUES (?, ?)`, writer, n)
				if err != nil {
					writeErrs <- fmt.Errorf("writer %d: %w", writer, err)
					return
				}
			}
		}(w)
	}

	var reads atomic.Int64
	stopReaders := make(chan struct{})
	var readerWg sync.WaitGroup
	for r := 0; r < opts.Readers; r++ {
		readerWg.Add(1)
		go func() {
			defer readerWg.Done()
			for {
				select {
				case <-stopReaders:
					return
				default:
				}
				_ = co.Read(ctx, func(rctx context.Context, c *conn.Conn) error {
					var count int
					return c.QueryRowContext(rctx, `SELECT count(*) FROM stress`).Scan(&count)
				})
				reads.Add(1)
			}
		}()
	}

	wg.Wait()
	close(stopReaders)
	readerWg.Wait()
	close(writeErrs)
	for err := range writeErrs {
		return err
	}

	var committed int
	if err := co.Read(ctx, func(rctx context.Context, c *conn.Conn) error {
		return c.QueryRowContext(rctx, `SELECT count(*) FROM stress`).Scan(&committed)
	}); err != nil {
		return err
	}

	elapsed := time.Since(start)
	expected := opts.Writers * opts.Writes
	fmt.Fprintf(out, "writes:        %d/%d committed\n", committed, expected)
	fmt.Fprintf(out, "notifications: %d events in %d flushes\n", observer.events.Load(), observer.flushes.Load())
	fmt.Fprintf(out, "reads:         %d snapshot reads\n", reads.Load())
	fmt.Fprintf(out, "elapsed:       %s\n", elapsed.Round(time.Millisecond))

	if committed != expected {
		return fmt.Errorf("committed %d rows, expected %d", committed, expected)
	}
	if got := observer.events.Load(); got != int64(expected) {
		return fmt.Errorf("observed %d change events, expected %d", got, expected)
	}
	return nil
}

package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/rentwise/rentwise/internal/app"
	"github.com/rentwise/rentwise/internal/platform/db"
	"github.com/rentwise/rentwise/jobs"
)

// ErrUnknownCommand is returned for unsupported subcommands.
var ErrUnknownCommand = errors.New("cli: unknown command")

// Usage lists the operational subcommands.
const Usage = `usage: rentwise [command]

commands:
  migrate                      apply database migrations and exit
  remind [-day YYYY-MM-DD]     enqueue a due-reminder sweep
  queue [-name QUEUE]          print queue statistics
`

// Run executes an operational subcommand instead of starting the server.
func Run(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", ErrUnknownCommand)
	}
	switch args[0] {
	case "migrate":
		return db.Migrate(cfg.PGDSN, logger)
	case "remind", "queue":
		c := NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() {
			if err := c.Close(); err != nil {
				logger.Warn("jobs cli close", slog.Any("error", err))
			}
		}()
		if args[0] == "remind" {
			return runRemind(ctx, c, args[1:], out)
		}
		return runQueue(ctx, c, args[1:], out)
	case "help", "-h", "--help":
		_, err := io.WriteString(out, Usage)
		return err
	default:
		_, _ = io.WriteString(out, Usage)
		return fmt.Errorf("%w: %s", ErrUnknownCommand, args[0])
	}
}

func runRemind(ctx context.Context, c *JobsCLI, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("remind", flag.ContinueOnError)
	fs.SetOutput(out)
	dayFlag := fs.String("day", "", "due day to sweep (YYYY-MM-DD), default today")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var day time.Time
	if *dayFlag != "" {
		parsed, err := time.Parse(time.DateOnly, *dayFlag)
		if err != nil {
			return fmt.Errorf("cli: invalid day %q: %w", *dayFlag, err)
		}
		day = parsed
	}
	info, err := c.TriggerReminders(ctx, day)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "enqueued %s (%s) on %s\n", info.ID, info.Type, info.Queue)
	return err
}

func runQueue(ctx context.Context, c *JobsCLI, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("queue", flag.ContinueOnError)
	fs.SetOutput(out)
	name := fs.String("name", jobs.QueueNotifications, "queue name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	stats, err := c.InspectQueue(ctx, *name)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	return err
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/ingest"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

// Simulate 读取事件文件，按当前规则评估并打印触发的告警。With Deliver set
// the alerts are also pushed through batching and the configured channels.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions, out io.Writer) error {
	if opts.EventsPath == "" {
		return errors.New("--events is required")
	}

	events, err := readEventsFile(opts.EventsPath)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "no events found")
		return nil
	}

	c, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer c.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	if opts.Deliver {
		go func() {
			defer close(done)
			_ = c.delivery.Run(runCtx)
		}()
	} else {
		close(done)
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Event\tKey\tRule\tPriority\tTitle\tReasons")

	total := 0
	for _, ev := range events {
		var alerts []model.PendingAlert
		if opts.Deliver {
			alerts, err = c.service.HandleEvent(ctx, ev)
			if err != nil {
				a.Logger.Warn().Err(err).Str("event_key", ev.Key).Msg("submit failed")
			}
		} else {
			alerts = c.engine.Process(ctx, ev)
		}
		for _, alert := range alerts {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
				ev.Kind,
				ev.Key,
				alert.RuleID,
				alert.Priority,
				sanitizeInline(alert.Message.Title),
				strings.Join(alert.Match.Reasons, "; "),
			)
		}
		total += len(alerts)
	}
	writer.Flush()
	fmt.Fprintf(out, "%d events, %d alerts\n", len(events), total)

	if !opts.Deliver {
		return nil
	}

	c.batcher.Flush(ctx)
	wait := opts.Wait
	if wait <= 0 {
		wait = 30 * time.Second
	}
	deadline := time.Now().Add(wait)
	for c.delivery.Outstanding() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(100 * time.Millisecond):
		}
	}
	if n := c.delivery.Outstanding(); n > 0 {
		fmt.Fprintf(out, "%d deliveries still outstanding after %s\n", n, wait)
	}
	cancel()
	<-done
	return nil
}

func readEventsFile(path string) ([]model.Event, error) {
	if path == "-" {
		return ingest.ReadEvents(os.Stdin, time.Now().UTC())
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open events: %w", err)
	}
	defer file.Close()
	return ingest.ReadEvents(file, time.Now().UTC())
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

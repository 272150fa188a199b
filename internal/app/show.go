package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

// Show prints recent delivery records.
func (a *App) Show(ctx context.Context, opts ShowOptions, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show deliveries")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.Recent(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeDeliveryTable(out, records)
}

func writeDeliveryTable(out io.Writer, records []model.DeliveryRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "no deliveries found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tRule\tChannel\tStatus\tRetries\tBatch\tError")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.RuleID,
			rec.ChannelID,
			rec.Status,
			rec.RetryCount,
			shortID(rec.BatchID),
			sanitizeInline(rec.LastError),
		)
	}

	return writer.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

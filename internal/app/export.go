package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

// Export renders the delivery log as CSV and/or an hourly PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.Between(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no deliveries found for export window")
		return nil
	}

	a.Logger.Info().Int("total", len(records)).Time("from", from).Time("to", to).Msg("exporting deliveries")

	if opts.CSVPath != "" {
		if err := writeDeliveriesCSV(opts.CSVPath, records); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeDeliveriesPNG(opts.PNGPath, from, to, records); err != nil {
			return err
		}
	}

	return nil
}

func writeDeliveriesCSV(path string, records []model.DeliveryRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"id", "alert_id", "batch_id", "rule_id", "channel_id", "channel_type", "status", "retry_count", "last_error", "created_at", "sent_at", "updated_at"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		record := []string{
			rec.ID,
			rec.AlertID,
			rec.BatchID,
			rec.RuleID,
			rec.ChannelID,
			rec.ChannelType,
			string(rec.Status),
			strconv.Itoa(rec.RetryCount),
			rec.LastError,
			rec.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(rec.SentAt),
			rec.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// hourlyCounts buckets records by creation hour per terminal status. Every
// hour in [from, to) gets a point so the series share one x axis.
func hourlyCounts(from, to time.Time, records []model.DeliveryRecord) ([]time.Time, map[model.DeliveryStatus][]float64) {
	start := from.Truncate(time.Hour)
	var hours []time.Time
	for t := start; t.Before(to); t = t.Add(time.Hour) {
		hours = append(hours, t)
	}

	counts := map[model.DeliveryStatus][]float64{
		model.StatusSent:      make([]float64, len(hours)),
		model.StatusFailed:    make([]float64, len(hours)),
		model.StatusCancelled: make([]float64, len(hours)),
	}
	for _, rec := range records {
		series, ok := counts[rec.Status]
		if !ok {
			continue
		}
		idx := int(rec.CreatedAt.UTC().Sub(start) / time.Hour)
		if idx < 0 || idx >= len(hours) {
			continue
		}
		series[idx]++
	}
	return hours, counts
}

func writeDeliveriesPNG(path string, from, to time.Time, records []model.DeliveryRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	hours, counts := hourlyCounts(from, to, records)
	if len(hours) < 2 {
		return errors.New("export window must span at least two hours for a chart")
	}

	countFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeHourValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Deliveries per hour",
			ValueFormatter: countFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Sent",
				XValues: hours,
				YValues: counts[model.StatusSent],
			},
			chart.TimeSeries{
				Name:    "Failed",
				XValues: hours,
				YValues: counts[model.StatusFailed],
			},
			chart.TimeSeries{
				Name:    "Cancelled",
				XValues: hours,
				YValues: counts[model.StatusCancelled],
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

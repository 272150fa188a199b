package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/app"
)

var (
	simulateEvents  string
	simulateDeliver bool
	simulateWait    time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "用当前规则评估事件文件并打印触发的告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SimulateOptions{
			EventsPath: simulateEvents,
			Deliver:    simulateDeliver,
			Wait:       simulateWait,
		}
		return getApp().Simulate(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateEvents, "events", "", "JSON array or NDJSON file of events (- for stdin)")
	simulateCmd.Flags().BoolVar(&simulateDeliver, "deliver", false, "Also send alerts through the configured channels")
	simulateCmd.Flags().DurationVar(&simulateWait, "wait", 30*time.Second, "How long to wait for deliveries with --deliver")
}

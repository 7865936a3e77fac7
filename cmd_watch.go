package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zsprackett/setupwatch/internal/events"
	"github.com/zsprackett/setupwatch/internal/security"
	"github.com/zsprackett/setupwatch/internal/stats"
	"github.com/zsprackett/setupwatch/internal/viewer"
)

var (
	watchURL   string
	watchToken string
)

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "ws://localhost:8080/ws", "hub websocket URL")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "identity assertion sent with the upgrade request")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow provisioning events as they arrive",
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger, closeLog := setupLogging(cfg)
	defer closeLog()

	header := http.Header{}
	if watchToken != "" {
		header.Set(security.AssertionHeader, watchToken)
	}

	out := cmd.OutOrStdout()
	var client *viewer.Client
	client = viewer.NewClient(&viewer.WebsocketDialer{URL: watchURL, Header: header}, viewer.Options{
		Logger: logger,
		OnState: func(state viewer.State, attempt int) {
			if state == viewer.StateReconnecting {
				fmt.Fprintf(out, "-- connection lost, retry %d\n", attempt)
			}
		},
		OnHistory: func(evs []events.StoredEvent) {
			for i := len(evs) - 1; i >= 0; i-- {
				printEvent(out, evs[i])
			}
			printStats(out, stats.Compute(evs))
		},
		OnEvent: func(ev events.StoredEvent) {
			printEvent(out, ev)
			printStats(out, client.EventSet().Stats())
		},
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	client.Start(ctx)
	defer client.Close()

	select {
	case <-ctx.Done():
		return nil
	case <-client.Done():
		if client.State() == viewer.StateAbandoned {
			return fmt.Errorf("gave up connecting to %s", watchURL)
		}
		return nil
	}
}

func printEvent(w io.Writer, ev events.StoredEvent) {
	when := humanize.Time(time.UnixMilli(ev.ReceivedAt))
	if !ev.IsFinished() {
		fmt.Fprintf(w, "%-9s %s %s (%s) started, %s\n", "STARTED", ev.SerialNumber, ev.ModelName, ev.MacOSVersion, when)
		return
	}
	name := ev.ComputerName
	if name == "" {
		name = ev.SerialNumber
	}
	status := "ok"
	if n := ev.FailedActions(); n > 0 {
		status = fmt.Sprintf("%d failed", n)
	}
	took := time.Duration(ev.Duration * float64(time.Second)).Round(time.Second)
	fmt.Fprintf(w, "%-9s %s in %s, %s, %s\n", "FINISHED", name, took, status, when)
}

func printStats(w io.Writer, s stats.Summary) {
	fmt.Fprintf(w, "-- %s events, %s devices, %d%% success, avg %ds\n",
		humanize.Comma(int64(s.Total)), humanize.Comma(int64(s.Devices)), s.SuccessRate, s.AvgDuration)
}

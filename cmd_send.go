package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	sendURL      string
	sendSerial   string
	sendFinished bool
	sendFailed   int
	sendSecret   string
)

func init() {
	sendCmd.Flags().StringVar(&sendURL, "url", "http://localhost:8080/api/events", "ingestion endpoint")
	sendCmd.Flags().StringVar(&sendSerial, "serial", "TEST001", "device serial number")
	sendCmd.Flags().BoolVar(&sendFinished, "finished", false, "send a finished event instead of started")
	sendCmd.Flags().IntVar(&sendFailed, "failed", 0, "number of failed enrollment actions (finished only)")
	sendCmd.Flags().StringVar(&sendSecret, "secret", "", "ingest secret (defaults to ingest.secret from config)")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Post a synthetic provisioning event",
	RunE:  runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	secret := sendSecret
	if secret == "" {
		secret = loadConfig().Ingest.Secret
	}

	body, err := json.Marshal(syntheticEvent(sendSerial, sendFinished, sendFailed, time.Now()))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(reply))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", bytes.TrimSpace(reply))
	return nil
}

// syntheticEvent builds a payload the validator accepts.
func syntheticEvent(serial string, finished bool, failed int, now time.Time) map[string]any {
	started := now.Add(-7 * time.Minute)
	ev := map[string]any{
		"name":                "Started",
		"event":               "com.jamf.setupmanager.started",
		"timestamp":           now.UTC().Format(time.RFC3339),
		"started":             started.UTC().Format(time.RFC3339),
		"modelName":           "MacBook Pro",
		"modelIdentifier":     "Mac15,3",
		"macOSBuild":          "24A335",
		"macOSVersion":        "15.0",
		"serialNumber":        serial,
		"setupManagerVersion": "1.2.0",
	}
	if !finished {
		return ev
	}
	ev["name"] = "Finished"
	ev["event"] = "com.jamf.setupmanager.finished"
	ev["finished"] = now.UTC().Format(time.RFC3339)
	ev["duration"] = int(now.Sub(started).Seconds())
	ev["computerName"] = "Mac-" + serial
	actions := []map[string]string{
		{"label": "Install Chrome", "status": "finished"},
		{"label": "Install Office", "status": "finished"},
	}
	for i := 0; i < failed; i++ {
		actions = append(actions, map[string]string{
			"label":  fmt.Sprintf("Policy %d", i+1),
			"status": "failed",
		})
	}
	ev["enrollmentActions"] = actions
	return ev
}

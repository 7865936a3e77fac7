package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/zsprackett/setupwatch/internal/events"
)

func TestSyntheticEventsValidate(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		name     string
		finished bool
		failed   int
	}{
		{"started", false, 0},
		{"finished", true, 0},
		{"finished with failures", true, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			body, err := json.Marshal(syntheticEvent("TEST001", tc.finished, tc.failed, now))
			if err != nil {
				t.Fatal(err)
			}
			raw, err := events.DecodeJSON(body)
			if err != nil {
				t.Fatal(err)
			}
			ev, err := events.Validate(raw)
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if ev.IsFinished() != tc.finished {
				t.Errorf("finished: got %v", ev.IsFinished())
			}
			if ev.FailedActions() != tc.failed {
				t.Errorf("failed actions: got %d want %d", ev.FailedActions(), tc.failed)
			}
			if tc.finished && ev.Duration != 420 {
				t.Errorf("duration: got %v want 420", ev.Duration)
			}
		})
	}
}

package stats_test

import (
	"testing"
	"time"

	"github.com/zsprackett/setupwatch/internal/events"
	"github.com/zsprackett/setupwatch/internal/stats"
)

func started(serial string, ms int64) events.StoredEvent {
	return events.StoredEvent{
		ID:         events.DeriveID(events.TypeStarted, serial, ms),
		ReceivedAt: ms,
		Event:      events.Event{Name: "Started", Type: events.TypeStarted, SerialNumber: serial},
	}
}

func finished(serial string, ms int64, duration float64, statuses ...events.ActionStatus) events.StoredEvent {
	var actions []events.EnrollmentAction
	for i, st := range statuses {
		actions = append(actions, events.EnrollmentAction{Label: string(rune('A' + i)), Status: st})
	}
	return events.StoredEvent{
		ID:         events.DeriveID(events.TypeFinished, serial, ms),
		ReceivedAt: ms,
		Event: events.Event{
			Name:         "Finished",
			Type:         events.TypeFinished,
			SerialNumber: serial,
			Completion: &events.Completion{
				Finished:          time.UnixMilli(ms),
				Duration:          duration,
				EnrollmentActions: actions,
			},
		},
	}
}

func TestComputeEmpty(t *testing.T) {
	got := stats.Compute(nil)
	if got.Total != 0 || got.AvgDuration != 0 || got.Devices != 0 {
		t.Errorf("unexpected counters: %+v", got)
	}
	if got.SuccessRate != 100 {
		t.Errorf("success rate with no finished events: got %d want 100", got.SuccessRate)
	}
	if got.LastEventTime != nil {
		t.Errorf("last event time: got %d want nil", *got.LastEventTime)
	}
}

func TestComputeMixedWindow(t *testing.T) {
	evs := []events.StoredEvent{
		started("S1", 100),
		finished("S1", 400, 300, events.ActionFinished, events.ActionFinished),
		started("S2", 200),
		finished("S2", 500, 120, events.ActionFinished, events.ActionFailed),
		started("S3", 300),
	}
	got := stats.Compute(evs)

	want := stats.Summary{
		Total:         5,
		Started:       3,
		Finished:      2,
		AvgDuration:   210,
		SuccessRate:   50,
		Devices:       3,
		FailedActions: 1,
	}
	if got.LastEventTime == nil || *got.LastEventTime != 500 {
		t.Fatalf("last event time: got %v want 500", got.LastEventTime)
	}
	got.LastEventTime = nil
	if got != want {
		t.Errorf("got %+v\nwant %+v", got, want)
	}
}

func TestComputeRounding(t *testing.T) {
	evs := []events.StoredEvent{
		finished("A", 1, 10.4),
		finished("B", 2, 11.0),
		finished("C", 3, 11.0, events.ActionFailed),
	}
	got := stats.Compute(evs)
	// (10.4 + 11 + 11) / 3 = 10.8
	if got.AvgDuration != 11 {
		t.Errorf("avg duration: got %d want 11", got.AvgDuration)
	}
	// 2 of 3 = 66.67
	if got.SuccessRate != 67 {
		t.Errorf("success rate: got %d want 67", got.SuccessRate)
	}
}

func TestComputeFinishedWithoutActionsSucceeds(t *testing.T) {
	got := stats.Compute([]events.StoredEvent{finished("A", 1, 60)})
	if got.SuccessRate != 100 || got.FailedActions != 0 {
		t.Errorf("got %+v", got)
	}
}

func TestComputeCountsEveryFailedAction(t *testing.T) {
	got := stats.Compute([]events.StoredEvent{
		finished("A", 1, 60, events.ActionFailed, events.ActionFailed, events.ActionFinished),
	})
	if got.FailedActions != 2 {
		t.Errorf("failed actions: got %d want 2", got.FailedActions)
	}
	if got.SuccessRate != 0 {
		t.Errorf("success rate: got %d want 0", got.SuccessRate)
	}
}

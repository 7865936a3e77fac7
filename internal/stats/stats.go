// Package stats reduces a window of stored events to dashboard counters.
package stats

import (
	"math"

	"github.com/zsprackett/setupwatch/internal/events"
)

// Summary is the aggregate view over a window of events.
type Summary struct {
	Total         int    `json:"total"`
	Started       int    `json:"started"`
	Finished      int    `json:"finished"`
	AvgDuration   int64  `json:"avgDuration"`
	SuccessRate   int64  `json:"successRate"`
	Devices       int    `json:"devices"`
	FailedActions int    `json:"failedActions"`
	LastEventTime *int64 `json:"lastEventTime"`
}

// Compute summarizes evs. Success is counted per finished event: a run
// succeeds only when none of its enrollment actions failed. With no finished
// events the success rate is 100.
func Compute(evs []events.StoredEvent) Summary {
	var (
		sum       Summary
		durations float64
		timed     int
		succeeded int
		last      int64
	)
	serials := make(map[string]struct{})
	for _, ev := range evs {
		sum.Total++
		serials[ev.SerialNumber] = struct{}{}
		if sum.LastEventTime == nil || ev.ReceivedAt > last {
			last = ev.ReceivedAt
			sum.LastEventTime = &last
		}
		switch ev.Type {
		case events.TypeStarted:
			sum.Started++
		case events.TypeFinished:
			sum.Finished++
			if ev.Completion == nil {
				continue
			}
			timed++
			durations += ev.Duration
			sum.FailedActions += ev.FailedActions()
			if ev.Succeeded() {
				succeeded++
			}
		}
	}
	sum.Devices = len(serials)
	sum.SuccessRate = 100
	if timed > 0 {
		sum.AvgDuration = int64(math.Round(durations / float64(timed)))
	}
	if sum.Finished > 0 {
		sum.SuccessRate = int64(math.Round(float64(succeeded) / float64(sum.Finished) * 100))
	}
	return sum
}

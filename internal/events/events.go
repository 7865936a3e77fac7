package events

import (
	"fmt"
	"time"
)

// Type is the event discriminator carried in the "event" field.
type Type string

const (
	TypeStarted  Type = "com.jamf.setupmanager.started"
	TypeFinished Type = "com.jamf.setupmanager.finished"
)

// Name returns the display name an agent must send alongside the type.
func (t Type) Name() string {
	switch t {
	case TypeStarted:
		return "Started"
	case TypeFinished:
		return "Finished"
	default:
		return ""
	}
}

type ActionStatus string

const (
	ActionFinished ActionStatus = "finished"
	ActionFailed   ActionStatus = "failed"
)

// EnrollmentAction is one named sub-step of a finished provisioning run.
type EnrollmentAction struct {
	Label  string       `json:"label"`
	Status ActionStatus `json:"status"`
}

// UserEntry is the optional user context collected during setup.
type UserEntry struct {
	UserID       string `json:"userID,omitempty"`
	Email        string `json:"email,omitempty"`
	RealName     string `json:"realname,omitempty"`
	Department   string `json:"department,omitempty"`
	Building     string `json:"building,omitempty"`
	Room         string `json:"room,omitempty"`
	Position     string `json:"position,omitempty"`
	AssetTag     string `json:"assetTag,omitempty"`
	ComputerName string `json:"computerName,omitempty"`
}

// Completion holds the fields only a finished event carries.
type Completion struct {
	Finished          time.Time          `json:"finished"`
	Duration          float64            `json:"duration"`
	ComputerName      string             `json:"computerName,omitempty"`
	UserEntry         *UserEntry         `json:"userEntry,omitempty"`
	EnrollmentActions []EnrollmentAction `json:"enrollmentActions,omitempty"`
	UploadSpeed       *float64           `json:"uploadSpeed,omitempty"`
	DownloadSpeed     *float64           `json:"downloadSpeed,omitempty"`
}

// Event is one lifecycle notification from a provisioning agent. A started
// event has a nil Completion; a finished event always has one.
type Event struct {
	Name                string    `json:"name"`
	Type                Type      `json:"event"`
	Timestamp           time.Time `json:"timestamp"`
	Started             time.Time `json:"started"`
	ModelName           string    `json:"modelName"`
	ModelIdentifier     string    `json:"modelIdentifier"`
	MacOSBuild          string    `json:"macOSBuild"`
	MacOSVersion        string    `json:"macOSVersion"`
	SerialNumber        string    `json:"serialNumber"`
	SetupManagerVersion string    `json:"setupManagerVersion"`
	JamfProVersion      string    `json:"jamfProVersion,omitempty"`
	JSSID               string    `json:"jssID,omitempty"`

	*Completion
}

func (e Event) IsFinished() bool {
	return e.Type == TypeFinished && e.Completion != nil
}

// FailedActions counts enrollment actions that reported failure.
func (e Event) FailedActions() int {
	if e.Completion == nil {
		return 0
	}
	n := 0
	for _, a := range e.EnrollmentActions {
		if a.Status == ActionFailed {
			n++
		}
	}
	return n
}

// Succeeded reports whether every enrollment action of a finished event
// finished. A finished event without actions counts as successful.
func (e Event) Succeeded() bool {
	return e.IsFinished() && e.FailedActions() == 0
}

// StoredEvent is a validated Event as durably recorded.
type StoredEvent struct {
	ID         string `json:"id"`
	ReceivedAt int64  `json:"receivedAt"`
	Event
}

// DeriveID builds the store key and de-duplication identifier.
func DeriveID(t Type, serial string, receivedAtMs int64) string {
	return fmt.Sprintf("%s:%s:%d", t, serial, receivedAtMs)
}

// NewStored wraps e with its receipt time and derived identifier.
func NewStored(e Event, receivedAt time.Time) StoredEvent {
	ms := receivedAt.UnixMilli()
	return StoredEvent{
		ID:         DeriveID(e.Type, e.SerialNumber, ms),
		ReceivedAt: ms,
		Event:      e,
	}
}

// Broadcaster fans stored events out to live viewers.
type Broadcaster interface {
	Broadcast(e StoredEvent) Outcome
}

// Outcome summarizes one fan-out.
type Outcome struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

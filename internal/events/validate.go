package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// Rejection explains why a payload failed validation. It is meant for
// server logs only; submitters get a generic message.
type Rejection struct {
	Field  string
	Reason string
}

func (r *Rejection) Error() string {
	if r.Field == "" {
		return r.Reason
	}
	return fmt.Sprintf("%s: %s", r.Field, r.Reason)
}

func reject(field, reason string) (Event, error) {
	return Event{}, &Rejection{Field: field, Reason: reason}
}

// forbiddenKeys are object keys that could poison prototype chains in
// downstream JavaScript consumers of the stored JSON.
var forbiddenKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

var requiredFields = []string{
	"name",
	"event",
	"timestamp",
	"started",
	"modelName",
	"modelIdentifier",
	"macOSBuild",
	"macOSVersion",
	"serialNumber",
	"setupManagerVersion",
}

var userEntryFields = []string{
	"userID", "email", "realname", "department", "building",
	"room", "position", "assetTag", "computerName",
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05Z07:00",
}

// DecodeJSON parses body into untyped JSON values, keeping numbers as
// json.Number so range checks see the submitted value. Trailing data after
// the first value is an error.
func DecodeJSON(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON value")
	}
	return v, nil
}

// Validate checks untyped JSON against the event schema and returns the
// typed event. Checks run in a fixed order and stop at the first failure;
// the error is always a *Rejection.
func Validate(raw any) (Event, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return reject("", "payload must be a JSON object")
	}
	if path, bad := findForbiddenKey(obj, ""); bad {
		return reject(path, "forbidden key")
	}

	typ, _ := obj["event"].(string)
	eventType := Type(typ)
	if eventType != TypeStarted && eventType != TypeFinished {
		return reject("event", "unknown event type")
	}

	strs := make(map[string]string, len(requiredFields))
	for _, f := range requiredFields {
		s, ok := obj[f].(string)
		if !ok || strings.TrimSpace(s) == "" {
			return reject(f, "required non-empty string")
		}
		strs[f] = strings.TrimSpace(s)
	}

	timestamp, err := parseTime(strs["timestamp"])
	if err != nil {
		return reject("timestamp", "invalid date-time")
	}
	started, err := parseTime(strs["started"])
	if err != nil {
		return reject("started", "invalid date-time")
	}

	if strs["name"] != eventType.Name() {
		return reject("name", "does not match event type")
	}

	ev := Event{
		Name:                strs["name"],
		Type:                eventType,
		Timestamp:           timestamp,
		Started:             started,
		ModelName:           strs["modelName"],
		ModelIdentifier:     strs["modelIdentifier"],
		MacOSBuild:          strs["macOSBuild"],
		MacOSVersion:        strs["macOSVersion"],
		SerialNumber:        strs["serialNumber"],
		SetupManagerVersion: strs["setupManagerVersion"],
	}

	if eventType == TypeFinished {
		c, err := validateCompletion(obj)
		if err != nil {
			return Event{}, err
		}
		ev.Completion = c
	}

	if ev.JamfProVersion, err = optionalString(obj, "jamfProVersion"); err != nil {
		return Event{}, err
	}
	if ev.JSSID, err = optionalString(obj, "jssID"); err != nil {
		return Event{}, err
	}
	computerName, err := optionalString(obj, "computerName")
	if err != nil {
		return Event{}, err
	}
	if ev.Completion != nil {
		ev.ComputerName = computerName
	}
	return ev, nil
}

func validateCompletion(obj map[string]any) (*Completion, error) {
	rawDuration, ok := obj["duration"]
	if !ok || rawDuration == nil {
		return nil, &Rejection{Field: "duration", Reason: "required for finished events"}
	}
	duration, ok := finiteNumber(rawDuration)
	if !ok || duration < 0 {
		return nil, &Rejection{Field: "duration", Reason: "must be a non-negative finite number"}
	}

	fin, _ := obj["finished"].(string)
	if strings.TrimSpace(fin) == "" {
		return nil, &Rejection{Field: "finished", Reason: "required for finished events"}
	}
	finished, err := parseTime(strings.TrimSpace(fin))
	if err != nil {
		return nil, &Rejection{Field: "finished", Reason: "invalid date-time"}
	}

	c := &Completion{Finished: finished, Duration: duration}

	if rawActions, ok := obj["enrollmentActions"]; ok && rawActions != nil {
		list, ok := rawActions.([]any)
		if !ok {
			return nil, &Rejection{Field: "enrollmentActions", Reason: "must be an array"}
		}
		c.EnrollmentActions = make([]EnrollmentAction, 0, len(list))
		for i, item := range list {
			field := fmt.Sprintf("enrollmentActions[%d]", i)
			action, ok := item.(map[string]any)
			if !ok {
				return nil, &Rejection{Field: field, Reason: "must be an object"}
			}
			label, _ := action["label"].(string)
			if strings.TrimSpace(label) == "" {
				return nil, &Rejection{Field: field + ".label", Reason: "required non-empty string"}
			}
			status, _ := action["status"].(string)
			if ActionStatus(status) != ActionFinished && ActionStatus(status) != ActionFailed {
				return nil, &Rejection{Field: field + ".status", Reason: "must be finished or failed"}
			}
			c.EnrollmentActions = append(c.EnrollmentActions, EnrollmentAction{
				Label:  label,
				Status: ActionStatus(status),
			})
		}
	}

	if rawUser, ok := obj["userEntry"]; ok && rawUser != nil {
		user, ok := rawUser.(map[string]any)
		if !ok {
			return nil, &Rejection{Field: "userEntry", Reason: "must be an object"}
		}
		entry := &UserEntry{}
		dst := []*string{
			&entry.UserID, &entry.Email, &entry.RealName, &entry.Department, &entry.Building,
			&entry.Room, &entry.Position, &entry.AssetTag, &entry.ComputerName,
		}
		for i, f := range userEntryFields {
			v, err := optionalString(user, f)
			if err != nil {
				return nil, &Rejection{Field: "userEntry." + f, Reason: "must be a string"}
			}
			*dst[i] = v
		}
		c.UserEntry = entry
	}

	for _, f := range []string{"uploadSpeed", "downloadSpeed"} {
		v, ok := obj[f]
		if !ok || v == nil {
			continue
		}
		n, ok := finiteNumber(v)
		if !ok || n < 0 {
			return nil, &Rejection{Field: f, Reason: "must be a non-negative finite number"}
		}
		if f == "uploadSpeed" {
			c.UploadSpeed = &n
		} else {
			c.DownloadSpeed = &n
		}
	}
	return c, nil
}

// findForbiddenKey walks every nested object and array.
func findForbiddenKey(v any, path string) (string, bool) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			p := k
			if path != "" {
				p = path + "." + k
			}
			if _, bad := forbiddenKeys[k]; bad {
				return p, true
			}
			if found, bad := findForbiddenKey(child, p); bad {
				return found, true
			}
		}
	case []any:
		for i, child := range t {
			if found, bad := findForbiddenKey(child, fmt.Sprintf("%s[%d]", path, i)); bad {
				return found, true
			}
		}
	}
	return "", false
}

// optionalString treats absent and null as empty.
func optionalString(obj map[string]any, field string) (string, error) {
	v, ok := obj[field]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &Rejection{Field: field, Reason: "must be a string"}
	}
	return s, nil
}

func finiteNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func parseTime(s string) (time.Time, error) {
	var err error
	for _, layout := range timeLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, err
}

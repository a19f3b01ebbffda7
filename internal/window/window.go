// Package window parses one-off maintenance windows of the form
// "YYYY-MM-DD HH:MM-HH:MM" and evaluates instants against them.
package window

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Layout is the accepted textual form, without the optional zone token.
const Layout = "YYYY-MM-DD HH:MM-HH:MM"

var windowPattern = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})\s+(\d{2}):(\d{2})-(\d{2}):(\d{2})(?:\s+(Z|UTC|[+-]\d{2}:\d{2}))?$`)

// MaintenanceWindow is the half-open interval [Start, End). End is always
// after Start; a window written across midnight ends on the next day.
type MaintenanceWindow struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window. Start is inclusive and
// End exclusive, so back-to-back windows never share an instant.
func (w MaintenanceWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Duration returns the length of the window.
func (w MaintenanceWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

func (w MaintenanceWindow) String() string {
	return w.Start.Format(time.RFC3339) + "/" + w.End.Format(time.RFC3339)
}

// MalformedWindowError reports a window spec that could not be parsed.
type MalformedWindowError struct {
	Input  string
	Reason string
}

func (e *MalformedWindowError) Error() string {
	return fmt.Sprintf("malformed maintenance window %q: %s", e.Input, e.Reason)
}

// Parse reads a window spec. A trailing zone token (Z, UTC or ±HH:MM) wins;
// without one, loc is used, and when loc is nil the spec is rejected rather
// than guessing a zone.
func Parse(text string, loc *time.Location) (MaintenanceWindow, error) {
	input := strings.TrimSpace(text)
	m := windowPattern.FindStringSubmatch(input)
	if m == nil {
		return MaintenanceWindow{}, &MalformedWindowError{Input: text, Reason: "expected " + Layout + " with an optional Z, UTC or ±HH:MM suffix"}
	}

	n := make([]int, 8)
	for i := 1; i <= 7; i++ {
		n[i], _ = strconv.Atoi(m[i])
	}
	year, month, day := n[1], time.Month(n[2]), n[3]
	startH, startM, endH, endM := n[4], n[5], n[6], n[7]

	if startH > 23 || endH > 23 || startM > 59 || endM > 59 {
		return MaintenanceWindow{}, &MalformedWindowError{Input: text, Reason: "time of day out of range"}
	}

	zone := loc
	if m[8] != "" {
		z, err := parseZone(m[8])
		if err != nil {
			return MaintenanceWindow{}, &MalformedWindowError{Input: text, Reason: err.Error()}
		}
		zone = z
	}
	if zone == nil {
		return MaintenanceWindow{}, &MalformedWindowError{Input: text, Reason: "no UTC offset given and no reference zone supplied"}
	}

	start := time.Date(year, month, day, startH, startM, 0, 0, zone)
	if y, mo, d := start.Date(); y != year || mo != month || d != day {
		return MaintenanceWindow{}, &MalformedWindowError{Input: text, Reason: "date is not a valid calendar date"}
	}

	startOfDay := startH*60 + startM
	endOfDay := endH*60 + endM
	if startOfDay == endOfDay {
		return MaintenanceWindow{}, &MalformedWindowError{Input: text, Reason: "start and end are equal"}
	}

	endDay := day
	if endOfDay < startOfDay {
		endDay++
	}
	end := time.Date(year, month, endDay, endH, endM, 0, 0, zone)
	if !end.After(start) {
		return MaintenanceWindow{}, &MalformedWindowError{Input: text, Reason: "end does not fall after start in the given zone"}
	}

	return MaintenanceWindow{Start: start, End: end}, nil
}

func parseZone(token string) (*time.Location, error) {
	if token == "Z" || token == "UTC" {
		return time.UTC, nil
	}

	sign := 1
	if token[0] == '-' {
		sign = -1
	}
	hours, _ := strconv.Atoi(token[1:3])
	minutes, _ := strconv.Atoi(token[4:6])
	if hours > 14 || minutes > 59 {
		return nil, fmt.Errorf("UTC offset %s out of range", token)
	}
	return time.FixedZone(token, sign*(hours*3600+minutes*60)), nil
}

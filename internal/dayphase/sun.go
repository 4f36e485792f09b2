// Package dayphase computes sun event times for a location and turns them
// into schedules, so scenes can run at sunset rather than a fixed clock
// time.
package dayphase

import (
	"fmt"
	"strings"
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// Event is a sun event a schedule can anchor on.
type Event string

const (
	EventDawn    Event = "dawn"
	EventSunrise Event = "sunrise"
	EventSunset  Event = "sunset"
	EventDusk    Event = "dusk"
)

// Civil twilight is approximated as a fixed span around sunrise and sunset.
const twilight = 30 * time.Minute

// searchDays bounds how far ahead Next looks. Near the poles the sun may
// not rise or set for months.
const searchDays = 370

// Location is a point on earth.
type Location struct {
	Latitude  float64 `yaml:"latitude" json:"latitude"`
	Longitude float64 `yaml:"longitude" json:"longitude"`
}

// Times are the sun events of one day.
type Times struct {
	Dawn    time.Time
	Sunrise time.Time
	Sunset  time.Time
	Dusk    time.Time
}

// At returns the time of e.
func (t Times) At(e Event) time.Time {
	switch e {
	case EventDawn:
		return t.Dawn
	case EventSunrise:
		return t.Sunrise
	case EventSunset:
		return t.Sunset
	case EventDusk:
		return t.Dusk
	}
	return time.Time{}
}

// TimesOn calculates the sun events for the given UTC calendar day. All
// fields are zero on days the sun does not rise or set.
func (l Location) TimesOn(year int, month time.Month, day int) Times {
	rise, set := sunrise.SunriseSunset(l.Latitude, l.Longitude, year, month, day)
	if rise.IsZero() || set.IsZero() {
		return Times{}
	}
	return Times{
		Dawn:    rise.Add(-twilight),
		Sunrise: rise,
		Sunset:  set,
		Dusk:    set.Add(twilight),
	}
}

// Schedule fires at a sun event plus an offset. It satisfies
// cron.Schedule.
type Schedule struct {
	Location Location
	Event    Event
	Offset   time.Duration
}

// Next returns the first firing strictly after t, or the zero time when
// none exists within a year.
func (s Schedule) Next(t time.Time) time.Time {
	// Start a day early: the event for the previous UTC date can still be
	// ahead of t once the offset is applied.
	day := t.UTC().AddDate(0, 0, -1)
	for i := 0; i < searchDays; i++ {
		d := day.AddDate(0, 0, i)
		at := s.Location.TimesOn(d.Year(), d.Month(), d.Day()).At(s.Event)
		if at.IsZero() {
			continue
		}
		if fire := at.Add(s.Offset); fire.After(t) {
			return fire.In(t.Location())
		}
	}
	return time.Time{}
}

func (s Schedule) String() string {
	if s.Offset == 0 {
		return "@" + string(s.Event)
	}
	sign := "+"
	if s.Offset < 0 {
		sign = "-"
	}
	return fmt.Sprintf("@%s%s%s", s.Event, sign, s.Offset.Abs())
}

// IsSunSpec reports whether spec names a sun event rather than a cron
// expression.
func IsSunSpec(spec string) bool {
	spec = strings.TrimSpace(spec)
	for _, e := range []Event{EventDawn, EventSunrise, EventSunset, EventDusk} {
		if strings.HasPrefix(spec, "@"+string(e)) {
			return true
		}
	}
	return false
}

// Parse reads "@sunset", "@sunset-30m" or "@sunrise+1h15m".
func Parse(spec string, loc Location) (Schedule, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(spec), "@")
	if !ok {
		return Schedule{}, fmt.Errorf("sun schedule %q must start with @", spec)
	}

	name, offset := rest, ""
	if i := strings.IndexAny(rest, "+-"); i >= 0 {
		name, offset = rest[:i], rest[i:]
	}

	s := Schedule{Location: loc, Event: Event(name)}
	switch s.Event {
	case EventDawn, EventSunrise, EventSunset, EventDusk:
	default:
		return Schedule{}, fmt.Errorf("unknown sun event %q", name)
	}

	if offset != "" {
		d, err := time.ParseDuration(offset)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid offset in %q: %w", spec, err)
		}
		s.Offset = d
	}
	return s, nil
}

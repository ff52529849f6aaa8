// Package export renders locally held events as an iCalendar feed.
package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/SwitchbackTech/compass-sub004/internal/model"
)

const productID = "-//calsync//calendar export//EN"

// Build turns records into a calendar. Bases carry their repeat pattern;
// instances are written as overrides of their base (same UID plus
// RECURRENCE-ID), so clients show the stored state of every occurrence.
func Build(name string, records []*model.EventRecord, stamp time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.SetProductId(productID)
	cal.SetMethod(ical.MethodPublish)
	if name != "" {
		cal.SetXWRCalName(name)
	}

	for _, rec := range records {
		if rec == nil || rec.ExternalID == "" {
			continue
		}
		uid := rec.ExternalID
		if rec.IsInstance() {
			uid = rec.ParentExternalID
		}
		ev := cal.AddEvent(uid)
		ev.SetDtStampTime(stamp)
		if !rec.Updated.IsZero() {
			ev.SetModifiedAt(rec.Updated)
		}
		setTimes(ev, rec)
		if rec.Summary != "" {
			ev.SetSummary(rec.Summary)
		}
		if rec.Description != "" {
			ev.SetDescription(rec.Description)
		}
		if rec.Location != "" {
			ev.SetLocation(rec.Location)
		}
		if rec.Status != "" {
			ev.SetProperty(ical.ComponentPropertyStatus, strings.ToUpper(rec.Status))
		}

		if rec.IsBase() {
			for _, line := range rec.Recurrence.Rule {
				addRuleLine(ev, line)
			}
		}
		if rec.IsInstance() {
			orig := rec.OriginalStart
			if orig.IsZero() {
				orig = rec.Start
			}
			if rec.AllDay {
				ev.AddProperty(ical.ComponentProperty("RECURRENCE-ID"), orig.Format("20060102"),
					&ical.KeyValues{Key: "VALUE", Value: []string{"DATE"}})
			} else {
				ev.AddProperty(ical.ComponentProperty("RECURRENCE-ID"), orig.UTC().Format("20060102T150405Z"))
			}
		}
	}
	return cal
}

func setTimes(ev *ical.VEvent, rec *model.EventRecord) {
	if rec.AllDay {
		ev.SetAllDayStartAt(rec.Start)
		if !rec.End.IsZero() {
			ev.SetAllDayEndAt(rec.End)
		}
		return
	}
	ev.SetStartAt(rec.Start)
	if !rec.End.IsZero() {
		ev.SetEndAt(rec.End)
	}
}

// addRuleLine copies one provider recurrence line ("RRULE:...",
// "EXDATE;TZID=...:...") onto ev, keeping its parameters.
func addRuleLine(ev *ical.VEvent, line string) {
	head, value, ok := strings.Cut(strings.TrimSpace(line), ":")
	if !ok || value == "" {
		return
	}
	parts := strings.Split(head, ";")
	name := strings.ToUpper(parts[0])
	var params []ical.PropertyParameter
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		params = append(params, &ical.KeyValues{Key: strings.ToUpper(k), Value: []string{v}})
	}
	ev.AddProperty(ical.ComponentProperty(name), value, params...)
}

// Write serializes records as an iCalendar document to w.
func Write(w io.Writer, name string, records []*model.EventRecord) error {
	cal := Build(name, records, time.Now().UTC())
	if _, err := io.WriteString(w, cal.Serialize()); err != nil {
		return fmt.Errorf("write calendar: %w", err)
	}
	return nil
}

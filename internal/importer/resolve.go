package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
	"google.golang.org/api/calendar/v3"

	"github.com/SwitchbackTech/compass-sub004/internal/gcal"
	appLog "github.com/SwitchbackTech/compass-sub004/internal/log"
	"github.com/SwitchbackTech/compass-sub004/internal/model"
	"github.com/SwitchbackTech/compass-sub004/internal/syncerr"
)

const (
	defaultHorizon      = 365 * 24 * time.Hour
	defaultMaxInstances = 1000

	instanceTimeLayout = "20060102T150405Z"
	instanceDateLayout = "20060102"
)

// ResolverOptions controls recurrence expansion.
type ResolverOptions struct {
	// LocalFallback expands a base's repeat pattern locally when the
	// provider's instance listing fails.
	LocalFallback bool

	// Horizon bounds local expansion on both sides of Now.
	Horizon time.Duration

	// MaxInstances caps local expansion per base.
	MaxInstances int

	Now func() time.Time
}

// Resolver converts provider events into EventRecords and expands recurring
// bases into their instances.
type Resolver struct {
	provider gcal.Provider
	opts     ResolverOptions
}

func NewResolver(provider gcal.Provider, opts ResolverOptions) *Resolver {
	if opts.Horizon <= 0 {
		opts.Horizon = defaultHorizon
	}
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = defaultMaxInstances
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{provider: provider, opts: opts}
}

// Convert maps one provider event onto the local record shape. Instances
// carry ParentExternalID but stay unlinked until Link runs.
func Convert(userID, calendarID string, ev *calendar.Event) (*model.EventRecord, error) {
	if ev == nil || ev.Id == "" {
		return nil, errors.New("event without id")
	}
	start, allDay, err := gcal.EventTime(ev.Start)
	if err != nil {
		return nil, fmt.Errorf("event %s start: %w", ev.Id, err)
	}
	end, _, err := gcal.EventTime(ev.End)
	if err != nil {
		return nil, fmt.Errorf("event %s end: %w", ev.Id, err)
	}
	orig, _, err := gcal.EventTime(ev.OriginalStartTime)
	if err != nil {
		return nil, fmt.Errorf("event %s originalStartTime: %w", ev.Id, err)
	}
	rec := &model.EventRecord{
		UserID:           userID,
		CalendarID:       calendarID,
		ExternalID:       ev.Id,
		ParentExternalID: ev.RecurringEventId,
		Summary:          ev.Summary,
		Description:      ev.Description,
		Location:         ev.Location,
		Status:           ev.Status,
		AllDay:           allDay,
		Start:            start,
		End:              end,
		OriginalStart:    orig,
	}
	if ev.Updated != "" {
		if t, err := time.Parse(time.RFC3339, ev.Updated); err == nil {
			rec.Updated = t
		}
	}
	if isBaseEvent(ev) {
		rec.Recurrence = &model.Recurrence{Rule: append([]string(nil), ev.Recurrence...)}
	}
	return rec, nil
}

// Resolve converts one classified page into records: plain events as-is,
// instances as-is, and each base followed by its expanded instances. An
// instance starting exactly at its base's start is dropped since the base
// already represents it. When a page event and an expansion share an
// external id the page event wins.
func (r *Resolver) Resolve(ctx context.Context, userID, calendarID string, recurring, single []*calendar.Event) ([]*model.EventRecord, error) {
	var out []*model.EventRecord
	index := make(map[string]int)
	put := func(rec *model.EventRecord, override bool) {
		if i, ok := index[rec.ExternalID]; ok {
			if override {
				out[i] = rec
			}
			return
		}
		index[rec.ExternalID] = len(out)
		out = append(out, rec)
	}

	for _, ev := range single {
		rec, err := Convert(userID, calendarID, ev)
		if err != nil {
			appLog.Error("skip unconvertible event", err, "user_id", userID, "calendar_id", calendarID)
			continue
		}
		put(rec, true)
	}

	baseStarts := make(map[string]time.Time)
	for _, ev := range recurring {
		if !isBaseEvent(ev) {
			continue
		}
		base, err := Convert(userID, calendarID, ev)
		if err != nil {
			appLog.Error("skip unconvertible base event", err, "user_id", userID, "calendar_id", calendarID)
			continue
		}
		put(base, true)
		baseStarts[base.ExternalID] = base.Start

		instances, err := r.Expand(ctx, userID, calendarID, ev, base)
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			put(inst, false)
		}
	}

	for _, ev := range recurring {
		if isBaseEvent(ev) {
			continue
		}
		rec, err := Convert(userID, calendarID, ev)
		if err != nil {
			appLog.Error("skip unconvertible instance", err, "user_id", userID, "calendar_id", calendarID)
			continue
		}
		if bs, ok := baseStarts[rec.ParentExternalID]; ok && rec.Start.Equal(bs) {
			continue
		}
		put(rec, true)
	}
	return out, nil
}

// Expand lists the instances of base. Provider expansion is preferred; if it
// fails for any reason other than revoked access, the pattern is expanded
// locally when enabled. Without the fallback a failed expansion yields no
// instances.
func (r *Resolver) Expand(ctx context.Context, userID, calendarID string, ev *calendar.Event, base *model.EventRecord) ([]*model.EventRecord, error) {
	items, err := r.provider.Instances(ctx, userID, calendarID, ev.Id)
	if err != nil {
		if errors.Is(err, syncerr.ErrAccessRevoked) {
			return nil, err
		}
		if !r.opts.LocalFallback {
			appLog.Warn("instance expansion failed", "user_id", userID, "calendar_id", calendarID, "event_id", ev.Id, "err", err)
			return nil, nil
		}
		appLog.Warn("instance expansion failed, expanding locally", "user_id", userID, "calendar_id", calendarID, "event_id", ev.Id, "err", err)
		return r.ExpandLocal(base, ev.Start)
	}

	out := make([]*model.EventRecord, 0, len(items))
	for _, item := range items {
		if item == nil || item.Status == gcal.StatusCancelled {
			continue
		}
		rec, err := Convert(userID, calendarID, item)
		if err != nil {
			appLog.Error("skip unconvertible instance", err, "user_id", userID, "event_id", item.Id)
			continue
		}
		if rec.ParentExternalID == "" {
			rec.ParentExternalID = base.ExternalID
		}
		if rec.Start.Equal(base.Start) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ExpandLocal expands base's repeat pattern with rrule-go within Horizon of
// Now. Instance ids follow the provider's <baseId>_<start> convention so a
// later provider expansion replaces them in place.
func (r *Resolver) ExpandLocal(base *model.EventRecord, start *calendar.EventDateTime) ([]*model.EventRecord, error) {
	if !base.IsBase() {
		return nil, nil
	}
	loc := time.UTC
	if start != nil && start.TimeZone != "" {
		if l, err := time.LoadLocation(start.TimeZone); err == nil {
			loc = l
		}
	}

	set, err := rrule.StrSliceToRRuleSetInLoc(base.Recurrence.Rule, loc)
	if err != nil {
		return nil, fmt.Errorf("parse recurrence of %s: %w", base.ExternalID, err)
	}
	dtstart := base.Start.In(loc)
	set.DTStart(dtstart)

	now := r.opts.Now()
	from := now.Add(-r.opts.Horizon)
	if dtstart.After(from) {
		from = dtstart
	}
	until := now.Add(r.opts.Horizon)

	dur := base.End.Sub(base.Start)
	var out []*model.EventRecord
	for _, occ := range set.Between(from, until, true) {
		if occ.Equal(base.Start) {
			continue
		}
		if len(out) >= r.opts.MaxInstances {
			appLog.Warn("local expansion truncated", "event_id", base.ExternalID, "cap", r.opts.MaxInstances)
			break
		}
		inst := &model.EventRecord{
			UserID:           base.UserID,
			CalendarID:       base.CalendarID,
			ExternalID:       InstanceID(base.ExternalID, occ, base.AllDay),
			ParentExternalID: base.ExternalID,
			Summary:          base.Summary,
			Description:      base.Description,
			Location:         base.Location,
			Status:           base.Status,
			AllDay:           base.AllDay,
			Start:            occ,
			End:              occ.Add(dur),
			OriginalStart:    occ,
			Updated:          base.Updated,
		}
		out = append(out, inst)
	}
	return out, nil
}

// InstanceID builds the provider-style id of one occurrence.
func InstanceID(baseID string, start time.Time, allDay bool) string {
	if allDay {
		return baseID + "_" + start.Format(instanceDateLayout)
	}
	return baseID + "_" + start.UTC().Format(instanceTimeLayout)
}

// ValidateRule reports whether lines form a parseable repeat pattern.
func ValidateRule(lines []string) error {
	if len(lines) == 0 {
		return errors.New("empty recurrence")
	}
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			return errors.New("blank recurrence line")
		}
	}
	_, err := rrule.StrSliceToRRuleSet(lines)
	return err
}

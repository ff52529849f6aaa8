package importer

import (
	"context"

	"github.com/google/uuid"

	"github.com/SwitchbackTech/compass-sub004/internal/model"
	"github.com/SwitchbackTech/compass-sub004/internal/store"
)

// BaseIndex maps a base event's external id to its local id. One index is
// carried across every page of a run.
type BaseIndex map[string]string

// Register records every base in records under its current local id.
func (b BaseIndex) Register(records []*model.EventRecord) {
	for _, rec := range records {
		if rec != nil && rec.IsBase() && rec.ID != "" {
			b[rec.ExternalID] = rec.ID
		}
	}
}

// Link assigns a local id to every record missing one and points instances
// at their base through bases. Bases in records are added to bases first so
// instances in the same batch resolve regardless of order. Existing ids are
// never changed. Instances whose base is unknown are returned.
func Link(records []*model.EventRecord, bases BaseIndex, newID func() string) []*model.EventRecord {
	if newID == nil {
		newID = uuid.NewString
	}
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if rec.ID == "" {
			rec.ID = newID()
		}
		if rec.IsBase() {
			bases[rec.ExternalID] = rec.ID
		}
	}

	var unlinked []*model.EventRecord
	for _, rec := range records {
		if rec == nil || rec.ParentExternalID == "" {
			continue
		}
		baseID, ok := bases[rec.ParentExternalID]
		if !ok || baseID == rec.ID {
			unlinked = append(unlinked, rec)
			continue
		}
		rec.Recurrence = &model.Recurrence{EventID: baseID}
	}
	return unlinked
}

// adoptStoredIDs copies local ids from already stored records onto records
// with the same external id, and seeds bases with stored bases referenced as
// parents.
func adoptStoredIDs(ctx context.Context, events store.EventStore, userID string, records []*model.EventRecord, bases BaseIndex) error {
	keys := make([]string, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	add := func(id string) {
		if _, ok := seen[id]; ok || id == "" {
			return
		}
		seen[id] = struct{}{}
		keys = append(keys, id)
	}
	for _, rec := range records {
		if rec.ID == "" {
			if id, ok := bases[rec.ExternalID]; ok {
				rec.ID = id
			} else {
				add(rec.ExternalID)
			}
		}
		if _, ok := bases[rec.ParentExternalID]; !ok {
			add(rec.ParentExternalID)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	stored, err := events.FindByExternalIDs(ctx, userID, keys)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if prev, ok := stored[rec.ExternalID]; ok && rec.ID == "" {
			rec.ID = prev.ID
		}
	}
	for ext, prev := range stored {
		if prev.IsBase() {
			bases[ext] = prev.ID
		}
	}
	return nil
}

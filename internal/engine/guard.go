package engine

import (
	"tracklane/internal/domain"
)

// The provenance guard. Synced items mirror an external source of truth:
// local edits to content fields would silently diverge and be overwritten
// by the next reconciliation pass, so they are rejected up front. For
// synced tasks only status may be mutated; synced backlog items accept no
// direct edits at all, they can only be promoted.

var syncedTaskEditable = map[string]bool{
	"status": true,
}

// authorizeTaskMutation checks the requested field names against the
// item's origin. All forbidden fields are reported in one error.
func authorizeTaskMutation(t domain.Task, fields []string) error {
	if t.DataOrigin != domain.OriginSynced {
		return nil
	}
	var forbidden []string
	for _, f := range fields {
		if !syncedTaskEditable[f] {
			forbidden = append(forbidden, f)
		}
	}
	if len(forbidden) > 0 {
		return ForbiddenFieldsError{EntityType: domain.EntityTask, EntityID: t.ID, Fields: forbidden}
	}
	return nil
}

func authorizeBacklogMutation(b domain.BacklogItem, fields []string) error {
	if b.DataOrigin != domain.OriginSynced {
		return nil
	}
	if len(fields) == 0 {
		return nil
	}
	forbidden := make([]string, len(fields))
	copy(forbidden, fields)
	return ForbiddenFieldsError{EntityType: domain.EntityBacklogItem, EntityID: b.ID, Fields: forbidden}
}

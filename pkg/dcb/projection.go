package dcb

import (
	"context"
	"fmt"
)

// Project folds events into per-projector states in a single log scan. The
// scan runs over the union of the projector queries; each event is dispatched
// to every projector whose query it matches. The returned AppendCondition
// carries that union query and the cursor of the last scanned event, so an
// AppendIf guarded by it fails exactly when the projected state has gone
// stale.
func (es *eventStore) Project(ctx context.Context, projectors []BatchProjector, after *Cursor) (map[string]any, AppendCondition, error) {
	projectCtx, cancel := es.withTimeout(ctx, es.config.QueryTimeout)
	defer cancel()

	return projectStates(projectCtx, es.pool, projectors, after)
}

func projectStates(ctx context.Context, db dbConn, projectors []BatchProjector, after *Cursor) (map[string]any, AppendCondition, error) {
	if err := validateProjectors(projectors); err != nil {
		return nil, AppendCondition{}, err
	}

	combined := combineProjectorQueries(projectors)

	states := make(map[string]any, len(projectors))
	for _, bp := range projectors {
		states[bp.ID] = bp.StateProjector.InitialState
	}

	sqlQuery, args := buildReadQuerySQL(combined, after, nil)
	rows, err := db.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, AppendCondition{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "project",
				Err: fmt.Errorf("failed to query events: %w", err),
			},
			Resource: "database",
		}
	}
	defer rows.Close()

	endCursor := after
	for rows.Next() {
		var row rowEvent
		if err := rows.Scan(&row.Type, &row.Tags, &row.Data, &row.Position, &row.TransactionID, &row.OccurredAt); err != nil {
			return nil, AppendCondition{}, &ResourceError{
				EventStoreError: EventStoreError{
					Op:  "project",
					Err: fmt.Errorf("failed to scan event: %w", err),
				},
				Resource: "database",
			}
		}

		event := convertRowToEvent(row)
		for _, bp := range projectors {
			if eventMatchesQuery(event, bp.StateProjector.Query) {
				states[bp.ID] = bp.StateProjector.TransitionFn(states[bp.ID], event)
			}
		}

		cursor := CursorFromEvent(event)
		endCursor = &cursor
	}
	if err := rows.Err(); err != nil {
		return nil, AppendCondition{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "project",
				Err: fmt.Errorf("failed to read events: %w", err),
			},
			Resource: "database",
		}
	}

	condition := AppendCondition{
		AfterCursor:       endCursor,
		FailIfEventsMatch: &combined,
	}
	return states, condition, nil
}

func validateProjectors(projectors []BatchProjector) error {
	if len(projectors) == 0 {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "project",
				Err: fmt.Errorf("at least one projector is required"),
			},
			Field: "projectors",
			Value: "empty",
		}
	}

	seen := make(map[string]struct{}, len(projectors))
	for i, bp := range projectors {
		if bp.ID == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "project",
					Err: fmt.Errorf("projector %d has empty ID", i),
				},
				Field: "projector.ID",
				Value: "empty",
			}
		}
		if _, dup := seen[bp.ID]; dup {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "project",
					Err: fmt.Errorf("duplicate projector ID %q", bp.ID),
				},
				Field: "projector.ID",
				Value: bp.ID,
			}
		}
		seen[bp.ID] = struct{}{}

		if bp.StateProjector.TransitionFn == nil {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "project",
					Err: fmt.Errorf("projector %q has nil transition function", bp.ID),
				},
				Field: "projector.TransitionFn",
				Value: "nil",
			}
		}
		if err := validateQueryTags(bp.StateProjector.Query); err != nil {
			return err
		}
	}
	return nil
}

// combineProjectorQueries unions the projector queries into one disjunction.
// A projector with an empty (match-all) query widens the union to match-all.
func combineProjectorQueries(projectors []BatchProjector) Query {
	items := make([]QueryItem, 0, len(projectors))
	for _, bp := range projectors {
		if bp.StateProjector.Query.IsEmpty() {
			return Query{}
		}
		items = append(items, bp.StateProjector.Query.Items...)
	}
	return Query{Items: items}
}

// eventMatchesQuery reports whether the event matches any item of the query.
// It mirrors the SQL translation in appendQueryConditions so in-memory
// dispatch and log scans agree on membership.
func eventMatchesQuery(event Event, query Query) bool {
	if query.IsEmpty() {
		return true
	}
	for _, item := range query.Items {
		if eventMatchesItem(event, item) {
			return true
		}
	}
	return false
}

func eventMatchesItem(event Event, item QueryItem) bool {
	if len(item.EventTypes) > 0 {
		found := false
		for _, t := range item.EventTypes {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, tag := range item.Tags {
		if !TagsContain(event.Tags, tag.Key, tag.Value) {
			return false
		}
	}
	return true
}

package queue

import (
	"time"

	"github.com/markbook/markbook-go/internal/payload"
	"github.com/markbook/markbook-go/internal/store"
)

// recentWindow is the age under which a mutation still counts as "recent"
// for priority assignment.
const recentWindow = 7 * 24 * time.Hour

// PriorityFor assigns the drain tier for a mutation from its entity type
// and the recency of the fact it edits. Today's attendance is the thing a
// school office is actively waiting on; historical records can trail.
func PriorityFor(entityType payload.EntityType, eventDate, now time.Time) store.Priority {
	sameDay := !eventDate.IsZero() &&
		eventDate.Year() == now.Year() && eventDate.YearDay() == now.YearDay()
	recent := !eventDate.IsZero() && now.Sub(eventDate) < recentWindow

	switch entityType {
	case payload.EntityAttendance:
		if sameDay {
			return store.PriorityImmediate
		}

		if recent {
			return store.PriorityHigh
		}

		return store.PriorityLow
	case payload.EntityPerformance:
		if recent {
			return store.PriorityMedium
		}

		return store.PriorityLow
	case payload.EntityNote:
		return store.PriorityMedium
	default:
		return store.PriorityLow
	}
}

// PolicyFor returns the conflict policy fixed per entity type: a teacher's
// latest attendance intent wins outright, performance annotations merge
// field-by-field, and free-form notes always go to manual review.
func PolicyFor(entityType payload.EntityType) store.ConflictPolicy {
	switch entityType {
	case payload.EntityAttendance:
		return store.PolicyLastWriteWins
	case payload.EntityPerformance:
		return store.PolicyMerge
	case payload.EntityNote:
		return store.PolicyManualReview
	default:
		return store.PolicyManualReview
	}
}

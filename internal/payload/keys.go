package payload

import (
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// ScopeKey builds the composite cache key for an entity, owner, and
// sub-scope: "attendance:teacher42:2024-03-15". All segments are
// NFC-normalized because owner IDs and sub-scopes can contain user-entered
// text, and mobile keyboards disagree about composed vs decomposed forms.
func ScopeKey(entityType EntityType, ownerID, subScope string) string {
	return norm.NFC.String(fmt.Sprintf("%s:%s:%s", entityType, ownerID, subScope))
}

// CorrelationKey identifies the logical fact a mutation edits, used for
// supersede deduplication and as the idempotency token on dispatch. All
// edits to the same student+date+entity collapse onto one key.
func (e *Envelope) CorrelationKey() string {
	return norm.NFC.String(fmt.Sprintf("%s:%s:%s", e.StudentID(), e.Date(), e.Type))
}

// Package payload defines the typed mutation payloads carried through the
// cache and offline queue. Each entity type has its own schema; the Envelope
// is a tagged union so conflict resolution can be written with exhaustive,
// type-checked per-field logic instead of ad hoc key lookups.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is the current envelope schema version. Decoders accept only
// this version; anything else is treated as corruption by the caller.
const SchemaVersion = 1

// EntityType identifies the kind of record a payload describes.
type EntityType string

// Entity types as stored in the entity_type columns.
const (
	EntityAttendance  EntityType = "attendance"
	EntityPerformance EntityType = "performance"
	EntityNote        EntityType = "note"
)

// Valid reports whether the entity type is one of the known values.
func (t EntityType) Valid() bool {
	switch t {
	case EntityAttendance, EntityPerformance, EntityNote:
		return true
	default:
		return false
	}
}

// AttendanceStatus is the marked status for a single student on a date.
type AttendanceStatus string

// Attendance statuses accepted by validation.
const (
	StatusPresent AttendanceStatus = "present"
	StatusAbsent  AttendanceStatus = "absent"
	StatusLate    AttendanceStatus = "late"
	StatusExcused AttendanceStatus = "excused"
)

// Attendance records a student's attendance mark for one date.
type Attendance struct {
	StudentID string           `json:"student_id"`
	Date      string           `json:"date"` // YYYY-MM-DD
	Status    AttendanceStatus `json:"status"`
	MarkedBy  string           `json:"marked_by"`
	Remark    string           `json:"remark,omitempty"`
}

// Performance records grading feedback for a student on a subject.
// Score merges by max, PracticeCount additively, Feedback by concatenation
// with an attribution marker.
type Performance struct {
	StudentID     string  `json:"student_id"`
	Subject       string  `json:"subject"`
	Date          string  `json:"date"` // YYYY-MM-DD
	Score         float64 `json:"score"`
	MaxScore      float64 `json:"max_score"`
	PracticeCount int64   `json:"practice_count"`
	Feedback      string  `json:"feedback,omitempty"`
	GradedBy      string  `json:"graded_by"`
}

// Note is a free-text observation about a student.
type Note struct {
	StudentID string `json:"student_id"`
	Date      string `json:"date"` // YYYY-MM-DD
	AuthorID  string `json:"author_id"`
	Text      string `json:"text"`
}

// Envelope is the tagged union wrapping exactly one payload variant.
// The Type field selects which pointer is populated.
type Envelope struct {
	SchemaVersion int          `json:"schema_version"`
	Type          EntityType   `json:"type"`
	Attendance    *Attendance  `json:"attendance,omitempty"`
	Performance   *Performance `json:"performance,omitempty"`
	Note          *Note        `json:"note,omitempty"`
}

// Validation errors returned synchronously to the caller before anything is
// cached or queued.
var (
	ErrUnknownEntityType = errors.New("payload: unknown entity type")
	ErrSchemaVersion     = errors.New("payload: unsupported schema version")
	ErrMissingVariant    = errors.New("payload: envelope variant does not match type")
)

// dateLayout is the wire format for payload dates.
const dateLayout = "2006-01-02"

// Validate checks structural and field-level validity. A failed validation
// is rejected to the caller; invalid payloads are never queued.
func (e *Envelope) Validate() error {
	if e.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrSchemaVersion, e.SchemaVersion, SchemaVersion)
	}

	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEntityType, e.Type)
	}

	switch e.Type {
	case EntityAttendance:
		return e.validateAttendance()
	case EntityPerformance:
		return e.validatePerformance()
	case EntityNote:
		return e.validateNote()
	}

	return nil
}

func (e *Envelope) validateAttendance() error {
	a := e.Attendance
	if a == nil {
		return ErrMissingVariant
	}

	if a.StudentID == "" {
		return errors.New("payload: attendance missing student_id")
	}

	if _, err := time.Parse(dateLayout, a.Date); err != nil {
		return fmt.Errorf("payload: attendance date %q: %w", a.Date, err)
	}

	switch a.Status {
	case StatusPresent, StatusAbsent, StatusLate, StatusExcused:
	default:
		return fmt.Errorf("payload: attendance status %q invalid", a.Status)
	}

	return nil
}

func (e *Envelope) validatePerformance() error {
	p := e.Performance
	if p == nil {
		return ErrMissingVariant
	}

	if p.StudentID == "" {
		return errors.New("payload: performance missing student_id")
	}

	if _, err := time.Parse(dateLayout, p.Date); err != nil {
		return fmt.Errorf("payload: performance date %q: %w", p.Date, err)
	}

	if p.Score < 0 || p.MaxScore <= 0 || p.Score > p.MaxScore {
		return fmt.Errorf("payload: performance score %v/%v out of range", p.Score, p.MaxScore)
	}

	return nil
}

func (e *Envelope) validateNote() error {
	n := e.Note
	if n == nil {
		return ErrMissingVariant
	}

	if n.StudentID == "" {
		return errors.New("payload: note missing student_id")
	}

	if n.Text == "" {
		return errors.New("payload: note missing text")
	}

	return nil
}

// Encode serializes the envelope to its JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Type, err)
	}

	return data, nil
}

// Decode parses an envelope from JSON and validates it. A decode or
// validation failure on a stored blob signals corruption to the caller.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}

	return &e, nil
}

// Date returns the payload's raw YYYY-MM-DD date string, or empty if the
// variant is missing.
func (e *Envelope) Date() string {
	switch e.Type {
	case EntityAttendance:
		if e.Attendance != nil {
			return e.Attendance.Date
		}
	case EntityPerformance:
		if e.Performance != nil {
			return e.Performance.Date
		}
	case EntityNote:
		if e.Note != nil {
			return e.Note.Date
		}
	}

	return ""
}

// EventDate returns the payload's domain date, used for priority assignment.
// Returns the zero time if the variant is missing or unparseable.
func (e *Envelope) EventDate() time.Time {
	t, err := time.Parse(dateLayout, e.Date())
	if err != nil {
		return time.Time{}
	}

	return t
}

// StudentID returns the student the payload concerns, or empty if the
// variant is missing.
func (e *Envelope) StudentID() string {
	switch e.Type {
	case EntityAttendance:
		if e.Attendance != nil {
			return e.Attendance.StudentID
		}
	case EntityPerformance:
		if e.Performance != nil {
			return e.Performance.StudentID
		}
	case EntityNote:
		if e.Note != nil {
			return e.Note.StudentID
		}
	}

	return ""
}

package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markbook/markbook-go/internal/payload"
	"github.com/markbook/markbook-go/internal/remote"
	"github.com/markbook/markbook-go/internal/store"
)

// encodeEnv marshals an envelope, failing the test on error.
func encodeEnv(t *testing.T, env *payload.Envelope) []byte {
	t.Helper()

	data, err := env.Encode()
	require.NoError(t, err)

	return data
}

func attendanceEnv(status payload.AttendanceStatus) *payload.Envelope {
	return &payload.Envelope{
		SchemaVersion: payload.SchemaVersion,
		Type:          payload.EntityAttendance,
		Attendance: &payload.Attendance{
			StudentID: "s1",
			Date:      "2026-03-15",
			Status:    status,
			MarkedBy:  "teacher42",
		},
	}
}

func performanceEnv(score float64, practice int64, feedback, gradedBy string) *payload.Envelope {
	return &payload.Envelope{
		SchemaVersion: payload.SchemaVersion,
		Type:          payload.EntityPerformance,
		Performance: &payload.Performance{
			StudentID:     "s1",
			Subject:       "math",
			Date:          "2026-03-15",
			Score:         score,
			MaxScore:      10,
			PracticeCount: practice,
			Feedback:      feedback,
			GradedBy:      gradedBy,
		},
	}
}

// localRecord wraps a payload into a queue record whose latest intent is
// stamped at the given time.
func localRecord(t *testing.T, env *payload.Envelope, intent time.Time, policy store.ConflictPolicy) *store.QueueRecord {
	t.Helper()

	return &store.QueueRecord{
		ID:             "rec1",
		EntityType:     string(env.Type),
		Payload:        encodeEnv(t, env),
		CorrelationKey: env.CorrelationKey(),
		SupersededAt:   intent.UnixNano(),
		ConflictPolicy: policy,
	}
}

func serverValue(t *testing.T, env *payload.Envelope, modified time.Time) remote.ServerValue {
	t.Helper()

	return remote.ServerValue{
		Payload:    json.RawMessage(encodeEnv(t, env)),
		ModifiedAt: modified,
	}
}

func TestResolveLastWriteWins(t *testing.T) {
	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	t.Run("newer local wins", func(t *testing.T) {
		local := localRecord(t, attendanceEnv(payload.StatusLate), base.Add(time.Minute), store.PolicyLastWriteWins)
		srv := serverValue(t, attendanceEnv(payload.StatusPresent), base)

		resolved, err := Resolve(local, srv, store.PolicyLastWriteWins)
		require.NoError(t, err)

		assert.Equal(t, VerdictKeepLocal, resolved.Verdict)
		assert.Equal(t, payload.StatusLate, resolved.Envelope.Attendance.Status)
	})

	t.Run("newer remote wins", func(t *testing.T) {
		local := localRecord(t, attendanceEnv(payload.StatusLate), base, store.PolicyLastWriteWins)
		srv := serverValue(t, attendanceEnv(payload.StatusPresent), base.Add(time.Minute))

		resolved, err := Resolve(local, srv, store.PolicyLastWriteWins)
		require.NoError(t, err)

		assert.Equal(t, VerdictKeepRemote, resolved.Verdict)
		assert.Equal(t, payload.StatusPresent, resolved.Envelope.Attendance.Status)
	})

	t.Run("exact tie prefers remote", func(t *testing.T) {
		local := localRecord(t, attendanceEnv(payload.StatusLate), base, store.PolicyLastWriteWins)
		srv := serverValue(t, attendanceEnv(payload.StatusPresent), base)

		resolved, err := Resolve(local, srv, store.PolicyLastWriteWins)
		require.NoError(t, err)
		assert.Equal(t, VerdictKeepRemote, resolved.Verdict)
	})

	t.Run("deterministic across repeats", func(t *testing.T) {
		local := localRecord(t, attendanceEnv(payload.StatusLate), base.Add(time.Minute), store.PolicyLastWriteWins)
		srv := serverValue(t, attendanceEnv(payload.StatusPresent), base)

		first, err := Resolve(local, srv, store.PolicyLastWriteWins)
		require.NoError(t, err)

		second, err := Resolve(local, srv, store.PolicyLastWriteWins)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("corrupt local payload is an error", func(t *testing.T) {
		local := localRecord(t, attendanceEnv(payload.StatusLate), base.Add(time.Minute), store.PolicyLastWriteWins)
		local.Payload = []byte("{broken")
		srv := serverValue(t, attendanceEnv(payload.StatusPresent), base)

		_, err := Resolve(local, srv, store.PolicyLastWriteWins)
		assert.Error(t, err)
	})
}

func TestResolveMerge(t *testing.T) {
	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	t.Run("performance fields merge", func(t *testing.T) {
		local := localRecord(t, performanceEnv(9, 2, "Great improvement", "teacher42"), base, store.PolicyMerge)
		srv := serverValue(t, performanceEnv(7, 3, "Needs practice", "teacher7"), base)

		resolved, err := Resolve(local, srv, store.PolicyMerge)
		require.NoError(t, err)
		require.Equal(t, VerdictMerged, resolved.Verdict)

		merged := resolved.Envelope.Performance
		assert.Equal(t, float64(9), merged.Score, "score merges by max")
		assert.Equal(t, int64(5), merged.PracticeCount, "practice counts are additive")
		assert.Equal(t, "Needs practice\n---\n[teacher42] Great improvement", merged.Feedback)
		assert.Equal(t, "teacher42", merged.GradedBy)
	})

	t.Run("identical feedback is not duplicated", func(t *testing.T) {
		local := localRecord(t, performanceEnv(9, 0, "Solid work", "teacher42"), base, store.PolicyMerge)
		srv := serverValue(t, performanceEnv(7, 0, "Solid work", "teacher7"), base)

		resolved, err := Resolve(local, srv, store.PolicyMerge)
		require.NoError(t, err)
		assert.Equal(t, "Solid work", resolved.Envelope.Performance.Feedback)
	})

	t.Run("merged envelope validates", func(t *testing.T) {
		local := localRecord(t, performanceEnv(9, 2, "a", "teacher42"), base, store.PolicyMerge)
		srv := serverValue(t, performanceEnv(7, 3, "b", "teacher7"), base)

		resolved, err := Resolve(local, srv, store.PolicyMerge)
		require.NoError(t, err)
		assert.NoError(t, resolved.Envelope.Validate())
	})

	t.Run("non-mergeable type degrades to last write wins", func(t *testing.T) {
		local := localRecord(t, attendanceEnv(payload.StatusLate), base.Add(time.Minute), store.PolicyMerge)
		srv := serverValue(t, attendanceEnv(payload.StatusPresent), base)

		resolved, err := Resolve(local, srv, store.PolicyMerge)
		require.NoError(t, err)
		assert.Equal(t, VerdictKeepLocal, resolved.Verdict)
	})
}

func TestResolveManual(t *testing.T) {
	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	local := localRecord(t, attendanceEnv(payload.StatusLate), base, store.PolicyManualReview)
	srv := serverValue(t, attendanceEnv(payload.StatusPresent), base)

	resolved, err := Resolve(local, srv, store.PolicyManualReview)
	require.NoError(t, err)

	assert.Equal(t, VerdictManual, resolved.Verdict)
	assert.Nil(t, resolved.Envelope, "neither side is chosen automatically")
}

// Package engine ties the cache, queue, remote client, and connectivity
// monitor together: the conflict resolver, the sync coordinator that drains
// the queue, and the Engine facade consumed by the application layer.
package engine

import (
	"fmt"

	"github.com/markbook/markbook-go/internal/payload"
	"github.com/markbook/markbook-go/internal/remote"
	"github.com/markbook/markbook-go/internal/store"
)

// Verdict is the outcome of conflict resolution.
type Verdict int

// Resolution verdicts.
const (
	VerdictKeepLocal  Verdict = iota // local payload wins, resubmit it
	VerdictKeepRemote                // remote value wins, adopt it as synced
	VerdictMerged                    // merged payload re-enters the write path
	VerdictManual                    // park the pair for an explicit decision
)

// String returns the verdict name for logs.
func (v Verdict) String() string {
	switch v {
	case VerdictKeepLocal:
		return "keep_local"
	case VerdictKeepRemote:
		return "keep_remote"
	case VerdictMerged:
		return "merged"
	case VerdictManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Resolved is the result of Resolve. Envelope carries the winning or merged
// value; it is nil for VerdictManual.
type Resolved struct {
	Verdict  Verdict
	Envelope *payload.Envelope
}

// Resolve reconciles a locally queued mutation against the authoritative
// remote state. Pure and side-effect free: the coordinator applies the
// verdict. The local side of a last-write-wins comparison is the record's
// SupersededAt (the teacher's latest intent, not the original enqueue);
// exactly equal timestamps prefer the remote value, because the server is
// the tie-break authority under coarse clocks.
func Resolve(local *store.QueueRecord, server remote.ServerValue, policy store.ConflictPolicy) (*Resolved, error) {
	switch policy {
	case store.PolicyManualReview:
		return &Resolved{Verdict: VerdictManual}, nil
	case store.PolicyLastWriteWins:
		return resolveLastWriteWins(local, server)
	case store.PolicyMerge:
		return resolveMerge(local, server)
	default:
		return nil, fmt.Errorf("engine: unknown conflict policy %q", policy)
	}
}

func resolveLastWriteWins(local *store.QueueRecord, server remote.ServerValue) (*Resolved, error) {
	if local.SupersededAt > server.ModifiedAt.UnixNano() {
		env, err := payload.Decode(local.Payload)
		if err != nil {
			return nil, fmt.Errorf("engine: resolve local payload: %w", err)
		}

		return &Resolved{Verdict: VerdictKeepLocal, Envelope: env}, nil
	}

	env, err := payload.Decode(server.Payload)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve remote payload: %w", err)
	}

	return &Resolved{Verdict: VerdictKeepRemote, Envelope: env}, nil
}

func resolveMerge(local *store.QueueRecord, server remote.ServerValue) (*Resolved, error) {
	localEnv, err := payload.Decode(local.Payload)
	if err != nil {
		return nil, fmt.Errorf("engine: merge local payload: %w", err)
	}

	remoteEnv, err := payload.Decode(server.Payload)
	if err != nil {
		return nil, fmt.Errorf("engine: merge remote payload: %w", err)
	}

	if localEnv.Type != remoteEnv.Type {
		return nil, fmt.Errorf("engine: merge type mismatch: %s vs %s", localEnv.Type, remoteEnv.Type)
	}

	switch localEnv.Type {
	case payload.EntityPerformance:
		merged := mergePerformance(localEnv.Performance, remoteEnv.Performance)

		return &Resolved{
			Verdict: VerdictMerged,
			Envelope: &payload.Envelope{
				SchemaVersion: payload.SchemaVersion,
				Type:          payload.EntityPerformance,
				Performance:   merged,
			},
		}, nil
	default:
		// Only performance annotations have mergeable fields; anything
		// else configured for merge degrades to last-write-wins.
		return resolveLastWriteWins(local, server)
	}
}

// mergePerformance combines a teacher edit with a server-side aggregate:
// scores by max, practice counters additively, and free-text feedback by
// concatenation with an attribution marker so neither side's words vanish.
func mergePerformance(local, srv *payload.Performance) *payload.Performance {
	merged := *srv

	if local.Score > merged.Score {
		merged.Score = local.Score
	}

	if local.MaxScore > merged.MaxScore {
		merged.MaxScore = local.MaxScore
	}

	merged.PracticeCount = srv.PracticeCount + local.PracticeCount
	merged.Feedback = mergeFeedback(srv.Feedback, local.Feedback, local.GradedBy)
	merged.GradedBy = local.GradedBy

	return &merged
}

// mergeFeedback concatenates both feedback texts, attributing the local
// addition. Identical or one-sided texts pass through unchanged.
func mergeFeedback(remoteText, localText, author string) string {
	if localText == "" || localText == remoteText {
		return remoteText
	}

	if remoteText == "" {
		return localText
	}

	return remoteText + "\n---\n[" + author + "] " + localText
}

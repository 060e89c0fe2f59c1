package repair

import (
	"testing"
	"time"

	"QuadRing/internal/ring"
)

func newTestSession(role Role) *Session {
	id := SessionID{Initiator: "node-a", Seq: 1}

	s := NewSession(id, "node-b", role, MethodMerkle, ring.QuadrantInterval(0), 0, DefaultConfig(), time.Now())

	return s
}

// hasAction reports whether acts contains an action of the same type as
// want.
func hasAction(acts []Action, want Action) bool {
	for _, a := range acts {
		if sameActionType(a, want) {
			return true
		}
	}

	return false
}

func sameActionType(a, b Action) bool {
	switch a.(type) {
	case ActBuildSummary:
		_, ok := b.(ActBuildSummary)
		return ok
	case ActSendRequest:
		_, ok := b.(ActSendRequest)
		return ok
	case ActSendSummary:
		_, ok := b.(ActSendSummary)
		return ok
	case ActComputeDiff:
		_, ok := b.(ActComputeDiff)
		return ok
	case ActSendDone:
		_, ok := b.(ActSendDone)
		return ok
	case ActComplete:
		_, ok := b.(ActComplete)
		return ok
	case ActAbort:
		_, ok := b.(ActAbort)
		return ok
	case ActRetry:
		_, ok := b.(ActRetry)
		return ok
	}

	return false
}

func TestInitiatorHappyPath(t *testing.T) {
	s := newTestSession(RoleInitiator)

	acts := s.Step(EvStart{})
	if !hasAction(acts, ActBuildSummary{}) {
		t.Fatalf("EvStart actions = %v, want build summary", acts)
	}
	if s.State != StateBuildSummary {
		t.Fatalf("state = %v, want build_summary", s.State)
	}

	acts = s.Step(EvSummaryReady{Summary: &summary{}})
	if !hasAction(acts, ActSendRequest{}) || !hasAction(acts, ActSendSummary{}) {
		t.Fatalf("EvSummaryReady actions = %v, want request + summary", acts)
	}
	if s.State != StateWaitReply {
		t.Fatalf("state = %v, want wait_reply", s.State)
	}

	acts = s.Step(EvPeerSummary{Msg: &MerkleSummary{}})
	if !hasAction(acts, ActComputeDiff{}) {
		t.Fatalf("EvPeerSummary actions = %v, want compute diff", acts)
	}
	if s.State != StateDiffCompute {
		t.Fatalf("state = %v, want diff_compute", s.State)
	}

	acts = s.Step(EvDiffDone{Sent: 3})
	if !hasAction(acts, ActSendDone{}) {
		t.Fatalf("EvDiffDone actions = %v, want send done", acts)
	}
	if s.State != StateWaitResolve {
		t.Fatalf("state = %v, want wait_resolve", s.State)
	}

	acts = s.Step(EvPeerDone{})
	if !hasAction(acts, ActComplete{}) {
		t.Fatalf("EvPeerDone actions = %v, want complete", acts)
	}
	if s.State != StateDone {
		t.Fatalf("state = %v, want done", s.State)
	}
}

func TestResponderSendsNoRequest(t *testing.T) {
	s := newTestSession(RoleResponder)

	s.Step(EvStart{})
	acts := s.Step(EvSummaryReady{Summary: &summary{}})

	if hasAction(acts, ActSendRequest{}) {
		t.Fatal("responder must not send request_sync")
	}
	if !hasAction(acts, ActSendSummary{}) {
		t.Fatalf("actions = %v, want send summary", acts)
	}
}

func TestNoDiffCompletesWithoutResolves(t *testing.T) {
	s := newTestSession(RoleInitiator)

	s.Step(EvStart{})
	s.Step(EvSummaryReady{Summary: &summary{}})
	s.Step(EvPeerSummary{Msg: &MerkleSummary{}})

	// Peer finished first: its done arrives while we are still diffing.
	s.Step(EvPeerDone{})

	acts := s.Step(EvDiffDone{Sent: 0})
	if !hasAction(acts, ActComplete{}) {
		t.Fatalf("no-diff actions = %v, want complete", acts)
	}
	if s.State != StateDone {
		t.Fatalf("state = %v, want done", s.State)
	}
}

func TestPendingRegenDelaysCompletion(t *testing.T) {
	s := newTestSession(RoleInitiator)

	s.Step(EvStart{})
	s.Step(EvSummaryReady{Summary: &summary{}})
	s.Step(EvPeerSummary{Msg: &MerkleSummary{}})
	s.Step(EvDiffDone{Sent: 0, Regens: 1})

	// The peer's done alone must not complete the session while a regen
	// reply is outstanding.
	acts := s.Step(EvPeerDone{})
	if hasAction(acts, ActComplete{}) {
		t.Fatal("session completed with a pending regen")
	}

	acts = s.Step(EvResolveReceived{})
	if !hasAction(acts, ActComplete{}) {
		t.Fatalf("actions after regen reply = %v, want complete", acts)
	}
}

func TestRetryThenGiveUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2

	id := SessionID{Initiator: "node-a", Seq: 7}

	for attempt := 1; attempt <= 2; attempt++ {
		s := NewSession(id, "node-b", RoleInitiator, MethodBloom, ring.QuadrantInterval(1), 0, cfg, time.Now())
		s.Retries = attempt - 1

		s.Step(EvStart{})
		acts := s.Step(EvPeerAbort{Reason: AbortRetry})

		if !hasAction(acts, ActRetry{}) {
			t.Fatalf("attempt %d actions = %v, want retry", attempt, acts)
		}
	}

	s := NewSession(id, "node-b", RoleInitiator, MethodBloom, ring.QuadrantInterval(1), 0, cfg, time.Now())
	s.Retries = 2 // retry budget exhausted

	s.Step(EvStart{})
	acts := s.Step(EvPeerAbort{Reason: AbortRetry})

	if !hasAction(acts, ActAbort{}) {
		t.Fatalf("exhausted retry actions = %v, want abort", acts)
	}
	if s.State != StateAborted {
		t.Fatalf("state = %v, want aborted", s.State)
	}
}

func TestStructuralFailure(t *testing.T) {
	s := newTestSession(RoleInitiator)

	s.Step(EvStart{})
	s.Step(EvSummaryReady{Summary: &summary{}})

	acts := s.Step(EvFailure{Reason: "interval disagreement"})

	if !hasAction(acts, ActAbort{}) {
		t.Fatalf("failure actions = %v, want abort", acts)
	}
	if s.State != StateFailed {
		t.Fatalf("state = %v, want failed", s.State)
	}

	// Terminal states absorb further events.
	if acts := s.Step(EvPeerDone{}); acts != nil {
		t.Fatalf("terminal session produced actions %v", acts)
	}
}

func TestExpiryAborts(t *testing.T) {
	s := newTestSession(RoleResponder)

	s.Step(EvStart{})
	acts := s.Step(EvExpire{})

	if !hasAction(acts, ActAbort{}) {
		t.Fatalf("expiry actions = %v, want abort", acts)
	}
	if s.State != StateAborted {
		t.Fatalf("state = %v, want aborted", s.State)
	}
}

func TestConflictAborts(t *testing.T) {
	s := newTestSession(RoleInitiator)

	s.Step(EvStart{})
	s.Step(EvSummaryReady{Summary: &summary{}})
	s.Step(EvPeerSummary{Msg: &MerkleSummary{}})
	s.Step(EvDiffDone{Sent: 1})

	acts := s.Step(EvConflict{})

	if !hasAction(acts, ActAbort{}) {
		t.Fatalf("conflict actions = %v, want abort", acts)
	}
	if s.State != StateAborted {
		t.Fatalf("state = %v, want aborted", s.State)
	}
}

func TestOutOfOrderEventsIgnored(t *testing.T) {
	s := newTestSession(RoleInitiator)

	// A peer summary before the local one is built does not advance.
	if acts := s.Step(EvPeerSummary{Msg: &MerkleSummary{}}); acts != nil {
		t.Fatalf("premature peer summary produced %v", acts)
	}
	if s.State != StateIdle {
		t.Fatalf("state = %v, want idle", s.State)
	}
}

package room

import (
	"testing"
)

func TestDirectRoomRequiresExactlyTwoParticipants(t *testing.T) {
	r := &Room{ID: "r1", Type: TypeDirect, Leader: "leader", Participants: []string{"leader"}}
	if err := r.Validate(); err == nil {
		t.Fatal("expected validation error for direct room with one participant")
	}
	r.Participants = []string{"leader", "user"}
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected error for valid direct room: %v", err)
	}
}

func TestLeaderMustBeParticipant(t *testing.T) {
	r := &Room{ID: "r1", Type: TypeOpen, Leader: "leader", Participants: []string{"coder"}}
	if err := r.Validate(); err == nil {
		t.Fatal("expected validation error when leader is not a participant")
	}
}

func TestArtifactStepsStrictlyIncrease(t *testing.T) {
	r := &Room{ID: "r1", Type: TypeOpen, Leader: "leader", Participants: []string{"leader"}}
	if err := r.AppendArtifact(ArtifactChainEntry{ProducerBot: "coder", Task: "t1"}); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := r.AppendArtifact(ArtifactChainEntry{ProducerBot: "coder", Task: "t2"}); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if r.SharedContext.ArtifactChain[0].Step != 1 || r.SharedContext.ArtifactChain[1].Step != 2 {
		t.Fatalf("unexpected steps: %+v", r.SharedContext.ArtifactChain)
	}
	if err := r.AppendArtifact(ArtifactChainEntry{Step: 1, ProducerBot: "coder", Task: "t3"}); err == nil {
		t.Fatal("expected error for out-of-order explicit step")
	}
}

func TestSaveAndLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	r := &Room{ID: "general", Type: TypeOpen, Leader: "leader", Participants: []string{"leader"}}
	if err := m.Create(r); err != nil {
		t.Fatalf("create: %v", err)
	}

	m2, err := NewManager(dir)
	if err != nil {
		t.Fatalf("new manager 2: %v", err)
	}
	if err := m2.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := m2.Get("general")
	if !ok {
		t.Fatal("expected room to be restored from manifest")
	}
	if got.Leader != "leader" {
		t.Errorf("Leader = %q, want %q", got.Leader, "leader")
	}
}

func TestMapChannelToRoomAutoCreatesDirectRoom(t *testing.T) {
	m, err := NewManager("")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	r, err := m.MapChannelToRoom("telegram", "12345", true, "alice", "leader")
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if r.Type != TypeDirect || len(r.Participants) != 2 {
		t.Fatalf("unexpected auto-created room: %+v", r)
	}

	r2, err := m.MapChannelToRoom("telegram", "12345", true, "alice", "leader")
	if err != nil {
		t.Fatalf("map second time: %v", err)
	}
	if r2.ID != r.ID {
		t.Error("expected second lookup to return the same room")
	}
}

package store

import (
	"testing"
	"time"
)

func TestPending_OrderAndDueFiltering(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	target := "@counter@a"

	later := createTestMessage(target, "later")
	later.DeliverAt = testNow.Add(time.Hour)
	mustSend(t, s,
		createTestMessage(target, "m1"),
		later,
		createTestMessage(target, "m2"),
	)
	mustSend(t, s, createTestMessage(target, "m3"))

	pending, err := s.Pending(ctx, target, testNow, 0)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	var ids []string
	for _, m := range pending {
		ids = append(ids, m.ID)
	}
	want := []string{"m1", "m2", "m3"}
	if len(ids) != len(want) {
		t.Fatalf("Pending() ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Pending()[%d] = %q, want %q", i, ids[i], want[i])
		}
	}

	limited, err := s.Pending(ctx, target, testNow, 2)
	if err != nil {
		t.Fatalf("Pending(limit) failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("len(Pending(limit 2)) = %d, want 2", len(limited))
	}

	all, err := s.Pending(ctx, target, testNow.Add(2*time.Hour), 0)
	if err != nil {
		t.Fatalf("Pending(later) failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("len(Pending(later)) = %d, want 4", len(all))
	}
	if !all[1].DeliverAt.Equal(later.DeliverAt) {
		t.Errorf("DeliverAt = %v, want %v", all[1].DeliverAt, later.DeliverAt)
	}
}

func TestEvent(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	mustSend(t, s,
		Message{Target: "orch-1", ID: "r1", Name: "r1", Payload: []byte(`{"result":1}`)},
		Message{Target: "orch-1", ID: "r2", Name: "r2", Payload: []byte(`{"result":2}`)},
	)

	m, err := s.Event(ctx, "orch-1", "r2", testNow)
	if err != nil {
		t.Fatalf("Event() failed: %v", err)
	}
	if string(m.Payload) != `{"result":2}` {
		t.Errorf("Event().Payload = %s", m.Payload)
	}

	if _, err := s.Event(ctx, "orch-1", "r3", testNow); !IsNotFound(err) {
		t.Errorf("Event(missing) = %v, want ErrNotFound", err)
	}
}

func TestListInstances(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	for _, id := range []string{"@counter@b", "@counter@a", "@store@a"} {
		if err := s.Commit(ctx, Commit{InstanceID: id, ExecutionID: "e", Input: []byte(`{}`), Now: testNow}); err != nil {
			t.Fatalf("Commit(%s) failed: %v", id, err)
		}
	}
	if _, _, err := s.StartInstance(ctx, "orch-1", KindOrchestration, "e", testNow); err != nil {
		t.Fatalf("StartInstance() failed: %v", err)
	}

	entities, err := s.ListInstances(ctx, ListFilter{Kind: KindEntity})
	if err != nil {
		t.Fatalf("ListInstances() failed: %v", err)
	}
	if len(entities) != 3 || entities[0].ID != "@counter@a" {
		t.Errorf("ListInstances(entity) = %+v", entities)
	}

	counters, err := s.ListInstances(ctx, ListFilter{Kind: KindEntity, Prefix: "@counter@"})
	if err != nil {
		t.Fatalf("ListInstances(prefix) failed: %v", err)
	}
	if len(counters) != 2 {
		t.Errorf("len(ListInstances(prefix)) = %d, want 2", len(counters))
	}

	limited, err := s.ListInstances(ctx, ListFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListInstances(limit) failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("len(ListInstances(limit)) = %d, want 1", len(limited))
	}
}

func TestRunnableEntities(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	due := createTestMessage("@b@1", "m1")
	notDue := createTestMessage("@c@1", "m2")
	notDue.DeliverAt = testNow.Add(time.Minute)
	orchestration := Message{Target: "orch-1", ID: "r1", Name: "r1", Payload: []byte(`{}`)}
	mustSend(t, s, due, notDue, orchestration)

	if err := s.Commit(ctx, Commit{InstanceID: "@a@1", ExecutionID: "e", Input: []byte(`{}`), Runnable: true, Now: testNow}); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	ids, err := s.RunnableEntities(ctx, testNow)
	if err != nil {
		t.Fatalf("RunnableEntities() failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "@a@1" || ids[1] != "@b@1" {
		t.Errorf("RunnableEntities() = %v, want [@a@1 @b@1]", ids)
	}
}

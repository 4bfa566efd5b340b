package coordinator

import "testing"

func TestRecentSet_Evicts(t *testing.T) {
	t.Parallel()

	s := newRecentSet(2)
	for _, id := range []string{"a", "b", "c"} {
		if !s.Add(id) {
			t.Fatalf("Add(%q) = false, want true", id)
		}
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
	if !s.Add("a") {
		t.Error("oldest id should have been evicted")
	}
	if s.Add("c") {
		t.Error("recent id should still be present")
	}
}

func TestRecentSet_RemoveThenReAdd(t *testing.T) {
	t.Parallel()

	s := newRecentSet(2)
	s.Add("a")
	s.Remove("a")
	if !s.Add("a") {
		t.Fatal("Add after Remove should succeed")
	}
	// evicts the stale slot for "a"; the live one must survive
	s.Add("b")
	if s.Add("a") {
		t.Error("re-added id was evicted through its stale slot")
	}
}

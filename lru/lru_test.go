package lru

import "testing"

func TestPutPopOrder(t *testing.T) {
	x := New[int]()
	x.Put(1)
	x.Put(2)
	x.Put(3)
	if x.Len() != 3 {
		t.Fatalf("Len = %d", x.Len())
	}
	for _, want := range []int{1, 2, 3} {
		got, ok := x.PopOldest()
		if !ok || got != want {
			t.Fatalf("PopOldest = %d, %v; want %d", got, ok, want)
		}
	}
	if _, ok := x.PopOldest(); ok {
		t.Fatal("PopOldest on empty index succeeded")
	}
}

func TestRefreshMovesToNewest(t *testing.T) {
	x := New[int]()
	x.Put(1)
	x.Put(2)
	x.Put(1) // refresh
	got, _ := x.PopOldest()
	if got != 2 {
		t.Fatalf("PopOldest = %d; want 2", got)
	}
}

func TestPutOldest(t *testing.T) {
	x := New[int]()
	x.Put(1)
	x.Put(2)
	x.PutOldest(3)
	got, _ := x.PopOldest()
	if got != 3 {
		t.Fatalf("PopOldest = %d; want 3", got)
	}
	// Refreshing an existing element as oldest demotes it.
	x.Put(4)
	x.PutOldest(4)
	got, _ = x.PopOldest()
	if got != 4 {
		t.Fatalf("PopOldest = %d; want 4", got)
	}
}

func TestRemoveContains(t *testing.T) {
	x := New[int]()
	x.Put(1)
	x.Put(2)
	if !x.Contains(1) {
		t.Fatal("Contains(1) = false")
	}
	if !x.Remove(1) {
		t.Fatal("Remove(1) = false")
	}
	if x.Contains(1) {
		t.Fatal("Contains(1) = true after Remove")
	}
	if x.Remove(1) {
		t.Fatal("second Remove(1) = true")
	}
	got, _ := x.PopOldest()
	if got != 2 {
		t.Fatalf("PopOldest = %d; want 2", got)
	}
}

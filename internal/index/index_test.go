package index

import "testing"

func TestInsertLookupRemove(t *testing.T) {
	ix := New[int]()

	if _, ok := ix.Lookup("a"); ok {
		t.Fatalf("expected absent before insert")
	}

	if err := ix.Insert("a", 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	v, ok := ix.Lookup("a")
	if !ok || v != 1 {
		t.Fatalf("Lookup: got (%v, %v), want (1, true)", v, ok)
	}

	if err := ix.Insert("a", 2); err != ErrAlreadyExists {
		t.Fatalf("Insert duplicate: got %v, want ErrAlreadyExists", err)
	}

	removed, ok := ix.Remove("a")
	if !ok || removed != 1 {
		t.Fatalf("Remove: got (%v, %v), want (1, true)", removed, ok)
	}

	if _, ok := ix.Remove("a"); ok {
		t.Fatalf("Remove twice: expected absent")
	}
}

func TestLen(t *testing.T) {
	ix := New[string]()
	for i, k := range []string{"x", "y", "z"} {
		if err := ix.Insert(k, k); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if ix.Len() != 3 {
		t.Fatalf("Len: got %d, want 3", ix.Len())
	}
	ix.Remove("y")
	if ix.Len() != 2 {
		t.Fatalf("Len after remove: got %d, want 2", ix.Len())
	}
}

func TestKeysAndRange(t *testing.T) {
	ix := New[int]()
	want := map[string]int{"a": 1, "b": 2, "c": 3}
	for k, v := range want {
		_ = ix.Insert(k, v)
	}

	seen := make(map[string]int)
	ix.Range(func(key string, value int) bool {
		seen[key] = value
		return true
	})
	if len(seen) != len(want) {
		t.Fatalf("Range visited %d entries, want %d", len(seen), len(want))
	}
	for k, v := range want {
		if seen[k] != v {
			t.Fatalf("Range: entry %q = %v, want %v", k, seen[k], v)
		}
	}

	keys := ix.Keys()
	if len(keys) != len(want) {
		t.Fatalf("Keys: got %d entries, want %d", len(keys), len(want))
	}
}

func TestRangeEarlyStop(t *testing.T) {
	ix := New[int]()
	_ = ix.Insert("a", 1)
	_ = ix.Insert("b", 2)
	_ = ix.Insert("c", 3)

	count := 0
	ix.Range(func(key string, value int) bool {
		count++
		return false
	})
	if count != 1 {
		t.Fatalf("Range should have stopped after first entry, visited %d", count)
	}
}

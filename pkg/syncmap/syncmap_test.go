package syncmap

import (
	"sync"
	"testing"
)

func TestPutGetDelete(t *testing.T) {
	m := New[string, int]()

	if _, ok := m.Get("a"); ok {
		t.Fatal("Get on empty map should miss")
	}

	m.Put("a", 1)
	v, ok := m.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = (%d, %v), want (1, true)", v, ok)
	}

	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Fatal("Get after Delete should miss")
	}
}

func TestLen(t *testing.T) {
	m := New[int, string]()
	if m.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", m.Len())
	}

	m.Put(1, "x")
	m.Put(2, "y")
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}

	m.Delete(1, 2)
	if m.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after deleting both keys", m.Len())
	}
}

func TestRangeStopsEarly(t *testing.T) {
	m := New[int, int]()
	for i := 0; i < 10; i++ {
		m.Put(i, i*i)
	}

	seen := 0
	m.Range(func(_ int, _ int) bool {
		seen++
		return seen < 3
	})

	if seen != 3 {
		t.Fatalf("Range visited %d entries, want 3", seen)
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := New[int, int]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Put(i, i)
			m.Get(i)
			m.Len()
		}(i)
	}
	wg.Wait()

	if m.Len() != 50 {
		t.Fatalf("Len() = %d, want 50", m.Len())
	}
}

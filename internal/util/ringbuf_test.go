package util

import "testing"

func TestRingBufferRetainsNewestInOrder(t *testing.T) {
	r := NewRingBuffer[int](3)

	if got := r.Items(); len(got) != 0 {
		t.Fatalf("empty buffer items = %v", got)
	}

	r.Append(1)
	r.Append(2)
	if got := r.Items(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("under capacity items = %v, want [1 2]", got)
	}

	for _, v := range []int{3, 4, 5} {
		r.Append(v)
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d, want capacity", r.Len())
	}
	want := []int{3, 4, 5}
	got := r.Items()
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("after wrap items = %v, want %v", got, want)
		}
	}
}

func TestRingBufferMinimumCapacity(t *testing.T) {
	r := NewRingBuffer[string](0)
	r.Append("a")
	r.Append("b")
	if got := r.Items(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("items = %v, want only the newest", got)
	}
}

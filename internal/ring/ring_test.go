package ring

import (
	"reflect"
	"testing"
)

func TestBufferWrap(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Add(i)
	}

	if got := b.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	if got, want := b.All(), []int{3, 4, 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("All() = %v, want %v", got, want)
	}
	if got, want := b.Recent(2), []int{5, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("Recent(2) = %v, want %v", got, want)
	}
	if got := b.Recent(10); len(got) != 3 {
		t.Errorf("Recent(10) returned %d values, want 3", len(got))
	}

	b.Clear()
	if b.All() != nil || b.Len() != 0 {
		t.Errorf("buffer not empty after Clear")
	}
}

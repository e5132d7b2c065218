package mem

import (
	"errors"
	"testing"
)

// TestAllocatorExhaustion tests allocation until the pool runs dry.
func TestAllocatorExhaustion(t *testing.T) {
	a := NewAllocator(0x100000, 3)

	for want := 0; want < 3; want++ {
		pg, err := a.Alloc()
		if err != nil {
			t.Fatalf("Alloc() error = %v", err)
		}
		if int(pg) != want {
			t.Errorf("Alloc() = %d, want %d", pg, want)
		}
		a.Incref(pg)
	}

	if _, err := a.Alloc(); !errors.Is(err, ErrNoMemory) {
		t.Errorf("Alloc() error = %v, want %v", err, ErrNoMemory)
	}
	if a.Free() != 0 {
		t.Errorf("Free() = %d, want 0", a.Free())
	}
}

// TestAllocatorRefcount tests that a page returns to the pool on the last Decref.
func TestAllocatorRefcount(t *testing.T) {
	a := NewAllocator(0, 1)

	pg, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	a.Incref(pg)
	a.Incref(pg)
	if a.Refs(pg) != 2 {
		t.Errorf("Refs() = %d, want 2", a.Refs(pg))
	}

	a.Decref(pg)
	if a.Free() != 0 {
		t.Errorf("Free() = %d after one Decref, want 0", a.Free())
	}
	a.Decref(pg)
	if a.Free() != 1 {
		t.Errorf("Free() = %d after last Decref, want 1", a.Free())
	}

	defer func() {
		if recover() == nil {
			t.Error("Incref() of a free page did not panic")
		}
	}()
	a.Incref(pg)
}

// TestAllocatorAddr tests page to address translation.
func TestAllocatorAddr(t *testing.T) {
	a := NewAllocator(0x200000, 4)

	tests := []struct {
		page    Page
		want    uint32
		wantErr bool
	}{
		{0, 0x200000, false},
		{3, 0x203000, false},
		{4, 0, true},
		{-1, 0, true},
	}

	for _, tt := range tests {
		got, err := a.Addr(tt.page)
		if (err != nil) != tt.wantErr {
			t.Errorf("Addr(%d) error = %v, wantErr %v", tt.page, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Addr(%d) = %#x, want %#x", tt.page, got, tt.want)
		}
	}
}

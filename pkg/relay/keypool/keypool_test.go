package keypool

import "testing"

func TestRotateCyclesOnceThroughAllKeys(t *testing.T) {
	p := New([]string{"k1", "k2", "k3"})

	key, ok := p.Current()
	if !ok || key != "k1" {
		t.Fatalf("Current()=%q,%v, want k1,true", key, ok)
	}

	// Three keys: two rotations yield fresh keys, the third wraps.
	key, cycled := p.Rotate()
	if cycled || key != "k2" {
		t.Fatalf("first Rotate()=%q,cycled=%v, want k2,false", key, cycled)
	}
	key, cycled = p.Rotate()
	if cycled || key != "k3" {
		t.Fatalf("second Rotate()=%q,cycled=%v, want k3,false", key, cycled)
	}
	_, cycled = p.Rotate()
	if !cycled {
		t.Fatalf("third Rotate() should cycle")
	}
	if !p.Exhausted() {
		t.Fatalf("pool should be exhausted after full cycle")
	}
	if _, ok := p.Current(); ok {
		t.Fatalf("Current() should fail while exhausted")
	}
}

func TestResetRotationReturnsToFirstKey(t *testing.T) {
	p := New([]string{"a", "b"})
	p.Rotate()
	p.Rotate()
	if !p.Exhausted() {
		t.Fatalf("expected exhausted pool")
	}

	p.ResetRotation()
	if p.Exhausted() {
		t.Fatalf("ResetRotation should clear exhausted flag")
	}
	key, ok := p.Current()
	if !ok || key != "a" {
		t.Fatalf("Current()=%q,%v after reset, want a,true", key, ok)
	}
}

func TestEmptyAndBlankKeys(t *testing.T) {
	p := New([]string{"", "  ", "real"})
	if p.Size() != 1 {
		t.Fatalf("Size()=%d, want 1", p.Size())
	}

	empty := New(nil)
	if _, ok := empty.Current(); ok {
		t.Fatalf("empty pool should have no current key")
	}
	if _, cycled := empty.Rotate(); !cycled {
		t.Fatalf("empty pool rotation should report cycled")
	}
}

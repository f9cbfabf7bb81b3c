package nsq

import "testing"

func TestIdleIndex_IdlestNOrdersByActivity(t *testing.T) {
	idx := NewIdleIndex()
	idx.Update("c", 300)
	idx.Update("a", 100)
	idx.Update("b", 200)

	got := idx.IdlestN(3)
	want := []string{"a", "b", "c"}
	for i, addr := range want {
		if got[i] != addr {
			t.Fatalf("IdlestN = %v, want %v", got, want)
		}
	}
}

func TestIdleIndex_UpdateRepositions(t *testing.T) {
	idx := NewIdleIndex()
	idx.Update("a", 100)
	idx.Update("b", 200)

	idx.Update("a", 300) // "a" just got active, "b" is now idlest
	got := idx.IdlestN(2)
	if got[0] != "b" || got[1] != "a" {
		t.Fatalf("IdlestN after reposition = %v, want [b a]", got)
	}
}

func TestIdleIndex_Remove(t *testing.T) {
	idx := NewIdleIndex()
	idx.Update("a", 100)
	idx.Update("b", 200)
	idx.Remove("a")

	if idx.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", idx.Len())
	}
	got := idx.IdlestN(5)
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("IdlestN after remove = %v, want [b]", got)
	}
}

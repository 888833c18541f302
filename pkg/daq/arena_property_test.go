package daq

import (
	"testing"

	"pgregory.net/rapid"
)

// Property test: arena allocation never exceeds the configured byte
// budget or the 65535-entry ceiling for any table.
func TestPropertyArenaNeverExceedsBudget(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		memSize := rapid.IntRange(sizeofDaqList, 4096).Draw(rt, "memSize")
		a := NewArena(memSize, 8, 255, 4)

		n := rapid.IntRange(1, 20).Draw(rt, "nLists")
		_ = a.AllocDaq(uint16(n))

		if len(a.lists) > MaxCount {
			rt.Fatalf("list count %d exceeds ceiling", len(a.lists))
		}
		if a.used > a.MemSize {
			rt.Fatalf("arena used %d exceeds budget %d", a.used, a.MemSize)
		}

		for i := 0; i < len(a.lists); i++ {
			m := rapid.IntRange(0, 5).Draw(rt, "nOdt")
			_ = a.AllocOdt(uint16(i), uint16(m))
			if a.used > a.MemSize {
				rt.Fatalf("arena used %d exceeds budget %d after AllocOdt", a.used, a.MemSize)
			}
		}
	})
}

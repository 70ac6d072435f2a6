package queue

import "sync"

// eventTable holds the live events of a queue in reusable slots. A slot's
// generation advances every time it is freed, so a stale (slot, gen) pair
// never resolves to a newer event.
type eventTable struct {
	mu    sync.Mutex
	slots []*Event
	gens  []uint64
	free  []int
}

func (t *eventTable) add(e *Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var slot int
	if n := len(t.free); n > 0 {
		slot = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		slot = len(t.slots)
		t.slots = append(t.slots, nil)
		t.gens = append(t.gens, 0)
	}
	t.slots[slot] = e
	e.slot = slot
	e.gen = t.gens[slot]
}

// remove frees the slot if it still belongs to generation gen
func (t *eventTable) remove(slot int, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= len(t.slots) || t.gens[slot] != gen || t.slots[slot] == nil {
		return false
	}
	t.slots[slot] = nil
	t.gens[slot]++
	t.free = append(t.free, slot)
	return true
}

func (t *eventTable) get(slot int, gen uint64) *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= len(t.slots) || t.gens[slot] != gen {
		return nil
	}
	return t.slots[slot]
}

// live returns the number of occupied slots
func (t *eventTable) live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - len(t.free)
}

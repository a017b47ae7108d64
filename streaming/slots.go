// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

// slotTable is a fixed capacity table of in flight requests. It is only
// used from the render thread. Every allocation gets a fresh request, so
// late callbacks of an old request never touch a reused slot.
type slotTable[T any] struct {
	slots []*T
	free  []int
}

func newSlotTable[T any](capacity int) *slotTable[T] {
	t := &slotTable[T]{
		slots: make([]*T, capacity),
		free:  make([]int, capacity),
	}
	for i := range t.free {
		// lowest slots are handed out first
		t.free[i] = capacity - 1 - i
	}
	return t
}

func (t *slotTable[T]) alloc() (int, *T, bool) {
	if len(t.free) == 0 {
		return InvalidStreamSlot, nil, false
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.slots[idx] = new(T)
	return idx, t.slots[idx], true
}

func (t *slotTable[T]) release(idx int) {
	if t.slots[idx] == nil {
		panic("streaming: release of an empty slot")
	}
	t.slots[idx] = nil
	t.free = append(t.free, idx)
}

func (t *slotTable[T]) get(idx int) *T {
	if idx < 0 || idx >= len(t.slots) {
		return nil
	}
	return t.slots[idx]
}

func (t *slotTable[T]) live() int {
	return len(t.slots) - len(t.free)
}

func (t *slotTable[T]) available() int {
	return len(t.free)
}

// each calls fn for every live request, fn may release the slot.
func (t *slotTable[T]) each(fn func(idx int, req *T)) {
	for idx, req := range t.slots {
		if req != nil {
			fn(idx, req)
		}
	}
}

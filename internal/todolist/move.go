package todolist

import "slices"

// relocate moves items[from] to index to and returns the new sequence.
//
// Position values stay with the slots: the values of slots min(from,to) to
// max(from,to) are recorded before the move and written back, in slot order,
// to whatever items occupy those slots afterwards. The moved item ends up on
// the boundary slot and every item in between shifts by one, so the multiset
// of positions is unchanged and order still matches position order.
func relocate(items []Todo, from, to int) []Todo {
	out := slices.Clone(items)
	if from == to {
		return out
	}
	lo, hi := min(from, to), max(from, to)
	positions := make([]int, 0, hi-lo+1)
	for k := lo; k <= hi; k++ {
		positions = append(positions, out[k].Position)
	}

	moved := out[from]
	if from < to {
		copy(out[from:to], out[from+1:to+1])
	} else {
		copy(out[to+1:from+1], out[to:from])
	}
	out[to] = moved

	for k := lo; k <= hi; k++ {
		out[k].Position = positions[k-lo]
	}
	return out
}

// insertAt places a new todo at index idx. It takes the position after its
// predecessor (1 at the head) and pushes later positions up only where they
// would no longer be strictly greater than the slot before them.
func insertAt(items []Todo, idx int, id, task string) []Todo {
	pos := 1
	if idx > 0 {
		pos = items[idx-1].Position + 1
	}
	out := make([]Todo, 0, len(items)+1)
	out = append(out, items[:idx]...)
	out = append(out, Todo{ID: id, Task: task, Position: pos})
	out = append(out, items[idx:]...)

	for k := idx + 1; k < len(out); k++ {
		if out[k].Position > out[k-1].Position {
			break
		}
		out[k].Position = out[k-1].Position + 1
	}
	return out
}

func removeAt(items []Todo, idx int) []Todo {
	out := make([]Todo, 0, len(items)-1)
	out = append(out, items[:idx]...)
	return append(out, items[idx+1:]...)
}

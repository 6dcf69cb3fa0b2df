package coedit

import (
	"fmt"
)

// Transform derives one bottom side of the OT diamond: `op` rewritten to apply
// after `against`, where both were generated from the same text.
// For inserts at the same position, `op` stays left of `against` iff `opFirst`.
// Both replicas must pass opposite values of `opFirst` for the same pair.
func Transform(op Operation, against Operation, opFirst bool) Operation {
	switch a := op.(type) {
	case NoOp, Timestamp:
		return op
	case Split:
		first := Transform(a.First, against, opFirst)
		// `a.Second` is based on the text after `a.First`
		againstAfterFirst := Transform(against, a.First, !opFirst)
		second := Transform(a.Second, againstAfterFirst, opFirst)
		return Normalize(Split{First: first, Second: second})
	}

	switch b := against.(type) {
	case NoOp, Timestamp:
		return op
	case Split:
		return Transform(Transform(op, b.First, opFirst), b.Second, opFirst)
	}

	switch a := op.(type) {
	case Insert:
		switch b := against.(type) {
		case Insert:
			return transformInsertInsert(a, b, opFirst)
		case Delete:
			return transformInsertDelete(a, b)
		}
	case Delete:
		switch b := against.(type) {
		case Insert:
			return transformDeleteInsert(a, b)
		case Delete:
			return transformDeleteDelete(a, b)
		}
	}
	panic(fmt.Errorf("Unknown operation pair: %T, %T", op, against))
}

// TransformPair returns both bottom sides of the diamond.
func TransformPair(a Operation, b Operation, aFirst bool) (ap Operation, bp Operation) {
	return Transform(a, b, aFirst), Transform(b, a, !aFirst)
}

func transformInsertInsert(a Insert, b Insert, aFirst bool) Operation {
	if a.Position < b.Position || (a.Position == b.Position && aFirst) {
		return a
	}
	return Insert{Position: a.Position + b.Length(), Text: a.Text}
}

func transformInsertDelete(a Insert, b Delete) Operation {
	if a.Position <= b.Position {
		// Insert before delete.
		return a
	} else if b.End() <= a.Position {
		// Insert after delete. Insert shifts backward.
		return Insert{Position: a.Position - b.Length(), Text: a.Text}
	} else {
		// Insert inside the delete range. The inserted text survives at the
		// start of the deleted range.
		return Insert{Position: b.Position, Text: a.Text}
	}
}

func transformDeleteInsert(a Delete, b Insert) Operation {
	if a.End() <= b.Position {
		// Insert after delete.
		return a
	} else if b.Position <= a.Position {
		// Insert before delete. Delete shifts forward.
		return Delete{Position: a.Position + b.Length(), Text: a.Text}
	} else {
		// Insert inside the delete range. The delete splits around the
		// inserted text so the insert survives.
		k := b.Position - a.Position
		return Normalize(Split{
			First: Delete{Position: a.Position, Text: runeSlice(a.Text, 0, k)},
			// after the first delete, the inserted text starts at `a.Position`
			Second: Delete{Position: a.Position + b.Length(), Text: runeSuffix(a.Text, k)},
		})
	}
}

func transformDeleteDelete(a Delete, b Delete) Operation {
	aEnd, bEnd := a.End(), b.End()
	switch {
	case aEnd <= b.Position:
		return a
	case bEnd <= a.Position:
		return Delete{Position: a.Position - b.Length(), Text: a.Text}
	case b.Position <= a.Position && aEnd <= bEnd:
		// Fully deleted by b.
		return NoOp{}
	case a.Position <= b.Position && bEnd <= aEnd:
		// a contains b. Keep the pieces on each side of b.
		return Normalize(Split{
			First:  Delete{Position: a.Position, Text: runeSlice(a.Text, 0, b.Position-a.Position)},
			Second: Delete{Position: a.Position, Text: runeSuffix(a.Text, bEnd-a.Position)},
		})
	case b.Position < a.Position:
		// Overlap on the left of a.
		return Normalize(Delete{Position: b.Position, Text: runeSuffix(a.Text, bEnd-a.Position)})
	default:
		// Overlap on the right of a.
		return Normalize(Delete{Position: a.Position, Text: runeSlice(a.Text, 0, b.Position-a.Position)})
	}
}

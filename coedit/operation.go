package coedit

import (
	"fmt"
	"unicode/utf8"
)

// Operation is an immutable text edit.
// The variants are `Insert`, `Delete`, `Split`, `NoOp` and `Timestamp`.
// Positions count unicode code points.
type Operation interface {
	// Apply returns the text after this operation.
	// An operation that does not fit the text is a local bookkeeping bug and
	// returns `ErrOperationOutOfRange` or `ErrOperationMismatch`.
	Apply(text string) (string, error)
	String() string

	isOperation()
}

// Insert represents a text insertion.
type Insert struct {
	Position int
	Text     string
}

func (self Insert) isOperation() {}

func (self Insert) Apply(text string) (string, error) {
	runes := []rune(text)
	if self.Position < 0 || len(runes) < self.Position {
		return "", fmt.Errorf("%w: insert at %d into length %d", ErrOperationOutOfRange, self.Position, len(runes))
	}
	return string(runes[:self.Position]) + self.Text + string(runes[self.Position:]), nil
}

func (self Insert) String() string {
	return fmt.Sprintf("i(%d,%q)", self.Position, self.Text)
}

func (self Insert) Length() int {
	return utf8.RuneCountInString(self.Text)
}

// Delete represents a text deletion.
// The deleted text is retained so transforms can split it and apply can verify it.
type Delete struct {
	Position int
	Text     string
}

func (self Delete) isOperation() {}

func (self Delete) Apply(text string) (string, error) {
	runes := []rune(text)
	length := self.Length()
	// compared without the sum so a large position cannot overflow
	if self.Position < 0 || len(runes)-length < self.Position {
		return "", fmt.Errorf("%w: delete %d code points at %d from length %d", ErrOperationOutOfRange, length, self.Position, len(runes))
	}
	end := self.Position + length
	if deleted := string(runes[self.Position:end]); deleted != self.Text {
		return "", fmt.Errorf("%w: delete at %d expected %q found %q", ErrOperationMismatch, self.Position, self.Text, deleted)
	}
	return string(runes[:self.Position]) + string(runes[end:]), nil
}

func (self Delete) String() string {
	return fmt.Sprintf("d(%d,%q)", self.Position, self.Text)
}

func (self Delete) Length() int {
	return utf8.RuneCountInString(self.Text)
}

func (self Delete) End() int {
	return self.Position + self.Length()
}

// Split is an operation broken in two by a transform.
// `Second` is expressed against the text after `First`.
type Split struct {
	First  Operation
	Second Operation
}

func (self Split) isOperation() {}

func (self Split) Apply(text string) (string, error) {
	text, err := self.First.Apply(text)
	if err != nil {
		return "", err
	}
	return self.Second.Apply(text)
}

func (self Split) String() string {
	return fmt.Sprintf("s(%s,%s)", self.First, self.Second)
}

// NoOp is the identity. Transforms produce it when an effect cancels.
type NoOp struct{}

func (self NoOp) isOperation() {}

func (self NoOp) Apply(text string) (string, error) {
	return text, nil
}

func (self NoOp) String() string {
	return "n()"
}

// Timestamp carries no content. It advances vector time, which acknowledges
// the peer's operations without an edit.
type Timestamp struct{}

func (self Timestamp) isOperation() {}

func (self Timestamp) Apply(text string) (string, error) {
	return text, nil
}

func (self Timestamp) String() string {
	return "t()"
}

// Normalize collapses empty edits to `NoOp` and drops no-op halves of splits.
func Normalize(op Operation) Operation {
	switch v := op.(type) {
	case Insert:
		if v.Text == "" {
			return NoOp{}
		}
		return v
	case Delete:
		if v.Text == "" {
			return NoOp{}
		}
		return v
	case Split:
		first := Normalize(v.First)
		second := Normalize(v.Second)
		_, firstNoOp := first.(NoOp)
		_, secondNoOp := second.(NoOp)
		switch {
		case firstNoOp && secondNoOp:
			return NoOp{}
		case firstNoOp:
			return second
		case secondNoOp:
			return first
		default:
			return Split{First: first, Second: second}
		}
	case NoOp, Timestamp:
		return v
	default:
		panic(fmt.Errorf("Unknown operation: %T", op))
	}
}

func IsNoOp(op Operation) bool {
	_, ok := Normalize(op).(NoOp)
	return ok
}

// ApplyAll applies operations in order.
func ApplyAll(text string, ops ...Operation) (string, error) {
	for _, op := range ops {
		var err error
		if text, err = op.Apply(text); err != nil {
			return "", err
		}
	}
	return text, nil
}

func runeSlice(s string, start int, end int) string {
	runes := []rune(s)
	return string(runes[start:end])
}

func runeSuffix(s string, start int) string {
	runes := []rune(s)
	return string(runes[start:])
}

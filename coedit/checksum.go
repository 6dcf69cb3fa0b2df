package coedit

import (
	"fmt"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// DocumentChecksum identifies a document state for divergence detection.
type DocumentChecksum struct {
	// xxhash64 of the utf-8 text
	Hash uint64
	// in code points
	Length int
}

func NewDocumentChecksum(text string) DocumentChecksum {
	return DocumentChecksum{
		Hash:   xxhash.Sum64String(text),
		Length: utf8.RuneCountInString(text),
	}
}

func (self DocumentChecksum) Matches(other DocumentChecksum) bool {
	return self == other
}

func (self DocumentChecksum) String() string {
	return fmt.Sprintf("%016x/%d", self.Hash, self.Length)
}

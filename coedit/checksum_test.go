package coedit

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDocumentChecksum(t *testing.T) {
	a := NewDocumentChecksum("héllo")
	assert.Equal(t, a.Length, 5)
	assert.Equal(t, a.Matches(NewDocumentChecksum("héllo")), true)
	assert.Equal(t, a.Matches(NewDocumentChecksum("hello")), false)
	// same length, different content
	assert.Equal(t, NewDocumentChecksum("ab").Matches(NewDocumentChecksum("ba")), false)

	empty := NewDocumentChecksum("")
	assert.Equal(t, empty.Length, 0)
	assert.Equal(t, empty.String(), "ef46db3751d8e999/0")
}

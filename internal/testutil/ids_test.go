package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceIDGenerator_Increments(t *testing.T) {
	gen := NewSequenceIDGenerator("uow")

	assert.Equal(t, "uow-1", gen.Generate())
	assert.Equal(t, "uow-2", gen.Generate())
	assert.Equal(t, "uow-3", gen.Generate())
}

func TestSequenceIDGenerator_EmptyPrefixDefault(t *testing.T) {
	gen := NewSequenceIDGenerator("")

	assert.Equal(t, "test-session-1", gen.Generate())
}

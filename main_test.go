package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeSizeSimple(t *testing.T) {
	assert.Equal(t, "0 B", summarizeSizeSimple(0))
	assert.Equal(t, "512.00 B", summarizeSizeSimple(512))
	assert.Equal(t, "1.50 KB", summarizeSizeSimple(1536))
	assert.Equal(t, "10.0 MB", summarizeSizeSimple(10<<20, 1))
}

func TestParseProgramID(t *testing.T) {
	id, err := parseProgramID("0x0100000000010000")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0100000000010000), id)

	id, err = parseProgramID("01000000000100AB")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x01000000000100ab), id)

	_, err = parseProgramID("not-hex")
	assert.Error(t, err)
}

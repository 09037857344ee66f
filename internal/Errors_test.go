package internal

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstallError_IsMatchesCode(t *testing.T) {
	err := WrapInstallError(io.ErrUnexpectedEOF, CodeIO, "short read of %s", "a.nca")

	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, ErrAllocation)
	assert.Equal(t, CodeIO, CodeOf(err))
	assert.Contains(t, err.Error(), "short read of a.nca")

	wrapped := fmt.Errorf("package failed: %w", err)
	assert.ErrorIs(t, wrapped, ErrIO)
	assert.Equal(t, CodeIO, CodeOf(wrapped))
}

func TestEnsureCode(t *testing.T) {
	coded := NewInstallError(CodeAllocation, "no space")
	assert.Same(t, coded, ensureCode(coded, CodeIO, "ignored").(*InstallError))

	plain := errors.New("boom")
	got := ensureCode(plain, CodeIO, "write failed")
	assert.ErrorIs(t, got, ErrIO)
	assert.ErrorIs(t, got, plain)

	assert.NoError(t, ensureCode(nil, CodeIO, "nothing"))
	assert.Equal(t, ErrorCode(""), CodeOf(plain))
}

func TestInstallError_WithDetail(t *testing.T) {
	err := NewInstallError(CodeBaseInstall, "rejected").WithDetail("titleId", testBaseTitleID)
	assert.Equal(t, testBaseTitleID, err.Details["titleId"])
	assert.Equal(t, "[BASE_INSTALL] rejected", err.Error())
}

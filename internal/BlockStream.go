package internal

import (
	"errors"
	"fmt"
	"io"
)

// BlockStream is a write window of fixed length over a reserved store entry.
// Writes past the end are refused, so an entry never receives more bytes than it declared.
type BlockStream struct {
	store  ContentStore
	handle StoreHandle
	length int64
	curPos int64
}

// NewBlockStream creates a BlockStream over the first length bytes of a reserved entry
func NewBlockStream(store ContentStore, handle StoreHandle, length int64) (*BlockStream, error) {
	if store == nil {
		return nil, errors.New("the store must not be nil")
	}
	if length < 0 {
		return nil, fmt.Errorf("argument out of range: length=%d", length)
	}
	return &BlockStream{
		store:  store,
		handle: handle,
		length: length,
	}, nil
}

// remain returns the remaining bytes in the window
func (bs *BlockStream) remain() int64 {
	return bs.length - bs.curPos
}

// Write writes p at the current position. Bytes that do not fit are dropped and io.ErrShortWrite is returned.
func (bs *BlockStream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if bs.remain() == 0 {
		return 0, io.ErrShortWrite
	}

	toWrite := int64(len(p))
	if toWrite > bs.remain() {
		toWrite = bs.remain()
	}

	if err := bs.store.Write(bs.handle, bs.curPos, p[:toWrite]); err != nil {
		return 0, err
	}
	bs.curPos += toWrite

	if toWrite < int64(len(p)) {
		return int(toWrite), io.ErrShortWrite
	}
	return int(toWrite), nil
}

// Seek sets the position for the next Write
func (bs *BlockStream) Seek(offset int64, whence int) (int64, error) {
	var newPos int64

	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = bs.curPos + offset
	case io.SeekEnd:
		newPos = bs.length + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}

	if newPos < 0 || newPos > bs.length {
		return 0, fmt.Errorf("seek position out of range: %d not in [0, %d]", newPos, bs.length)
	}
	bs.curPos = newPos
	return newPos, nil
}

// Length returns the length of the window
func (bs *BlockStream) Length() int64 {
	return bs.length
}

// Position returns the current position within the window
func (bs *BlockStream) Position() int64 {
	return bs.curPos
}

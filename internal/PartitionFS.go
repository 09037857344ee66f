package internal

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
)

const (
	partitionHeaderSize    = 0x10
	pfs0EntrySize          = 0x18
	hfs0EntrySize          = 0x40
	maxPartitionEntries    = 0x4000
	maxPartitionStringSize = 0x100000
)

// partitionFile is one file of a PFS0/HFS0 partition; Offset is absolute within the backing reader
type partitionFile struct {
	Name   string
	Offset int64
	Size   int64
}

// readPartitionFS parses the PFS0 or HFS0 file table that starts at base. limit is the number of
// bytes available from base; every file must lie inside it.
func readPartitionFS(r io.ReaderAt, base, limit int64) ([]partitionFile, error) {
	if limit < partitionHeaderSize {
		return nil, NewInstallError(CodeUnreadableContainer, "partition at 0x%x is truncated", base)
	}

	header := make([]byte, partitionHeaderSize)
	if err := readFullAt(r, header, base); err != nil {
		return nil, WrapInstallError(err, CodeUnreadableContainer, "cannot read partition header at 0x%x", base)
	}

	var entrySize int64
	switch {
	case bytes.Equal(header[:4], magicPFS0):
		entrySize = pfs0EntrySize
	case bytes.Equal(header[:4], magicHFS0):
		entrySize = hfs0EntrySize
	default:
		return nil, NewInstallError(CodeUnreadableContainer, "bad partition magic %q at 0x%x", header[:4], base)
	}

	count := int64(binary.LittleEndian.Uint32(header[4:8]))
	stringSize := int64(binary.LittleEndian.Uint32(header[8:12]))
	if count > maxPartitionEntries || stringSize > maxPartitionStringSize {
		return nil, NewInstallError(CodeUnreadableContainer, "partition table at 0x%x is implausibly large", base)
	}

	tableSize := count * entrySize
	headerSize := partitionHeaderSize + tableSize + stringSize
	if headerSize > limit {
		return nil, NewInstallError(CodeUnreadableContainer, "partition table at 0x%x exceeds its container", base)
	}

	table := make([]byte, tableSize+stringSize)
	if err := readFullAt(r, table, base+partitionHeaderSize); err != nil {
		return nil, WrapInstallError(err, CodeUnreadableContainer, "cannot read partition table at 0x%x", base)
	}
	stringTable := table[tableSize:]
	dataSize := limit - headerSize

	files := make([]partitionFile, 0, count)
	for i := int64(0); i < count; i++ {
		entry := table[i*entrySize : (i+1)*entrySize]
		offset := binary.LittleEndian.Uint64(entry[0:8])
		size := binary.LittleEndian.Uint64(entry[8:16])
		nameOffset := int64(binary.LittleEndian.Uint32(entry[16:20]))

		if offset > math.MaxInt64 || size > math.MaxInt64 || int64(offset) > dataSize || int64(size) > dataSize-int64(offset) {
			return nil, NewInstallError(CodeUnreadableContainer, "partition entry %d at 0x%x lies outside its container", i, base)
		}
		if nameOffset >= stringSize {
			return nil, NewInstallError(CodeUnreadableContainer, "partition entry %d at 0x%x has a bad name offset", i, base)
		}

		name := stringTable[nameOffset:]
		if end := bytes.IndexByte(name, 0); end >= 0 {
			name = name[:end]
		}

		files = append(files, partitionFile{
			Name:   string(name),
			Offset: base + headerSize + int64(offset),
			Size:   int64(size),
		})
	}

	return files, nil
}

// readFullAt fills buf from r at off, treating a short read as an error
func readFullAt(r io.ReaderAt, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

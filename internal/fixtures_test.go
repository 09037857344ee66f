package internal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const (
	testBaseTitleID   uint64 = 0x0100000000010000
	testUpdateTitleID uint64 = 0x0100000000010800
	testAoCTitleID    uint64 = 0x0100000000011001
	testSystemTitleID uint64 = 0x0100000000000809
)

type partFile struct {
	name string
	data []byte
}

// testContentName returns "<32 hex digits>.<ext>" with every byte of the id set to b
func testContentName(b byte, ext string) string {
	return fmt.Sprintf("%s.%s", strings.Repeat(fmt.Sprintf("%02x", b), 16), ext)
}

func testContentID(b byte) ContentID {
	var id ContentID
	for i := range id {
		id[i] = b
	}
	return id
}

// ncaBytes builds a plaintext NCA of size bytes with a deterministic body
func ncaBytes(titleID uint64, contentType ContentType, size int, seed byte) []byte {
	if size < ncaHeaderSize {
		size = ncaHeaderSize
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31) ^ seed
	}
	copy(data[ncaMagicOffset:], "NCA3")
	data[ncaMagicOffset+4] = 0
	data[ncaMagicOffset+5] = byte(contentType)
	binary.LittleEndian.PutUint64(data[ncaMagicOffset+8:], uint64(size))
	binary.LittleEndian.PutUint64(data[ncaMagicOffset+16:], titleID)
	return data
}

// nczBytes compresses everything after the NCZ head of nca into a single section
func nczBytes(t *testing.T, nca []byte) []byte {
	t.Helper()
	require.Greater(t, len(nca), nczHeaderSize)

	var out bytes.Buffer
	out.Write(nca[:nczHeaderSize])
	out.WriteString("NCZSECTN")
	binary.Write(&out, binary.LittleEndian, uint64(1))

	section := make([]byte, nczSectionEntrySize)
	binary.LittleEndian.PutUint64(section[0:], nczHeaderSize)
	binary.LittleEndian.PutUint64(section[8:], uint64(len(nca)-nczHeaderSize))
	out.Write(section)

	enc, err := zstd.NewWriter(&out)
	require.NoError(t, err)
	_, err = enc.Write(nca[nczHeaderSize:])
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	return out.Bytes()
}

func partitionBytes(magic string, entrySize int, files []partFile) []byte {
	var strtab []byte
	nameOffsets := make([]int, len(files))
	for i, f := range files {
		nameOffsets[i] = len(strtab)
		strtab = append(strtab, f.name...)
		strtab = append(strtab, 0)
	}

	var out bytes.Buffer
	out.WriteString(magic)
	binary.Write(&out, binary.LittleEndian, uint32(len(files)))
	binary.Write(&out, binary.LittleEndian, uint32(len(strtab)))
	binary.Write(&out, binary.LittleEndian, uint32(0))

	var offset uint64
	for i, f := range files {
		entry := make([]byte, entrySize)
		binary.LittleEndian.PutUint64(entry[0:], offset)
		binary.LittleEndian.PutUint64(entry[8:], uint64(len(f.data)))
		binary.LittleEndian.PutUint32(entry[16:], uint32(nameOffsets[i]))
		out.Write(entry)
		offset += uint64(len(f.data))
	}
	out.Write(strtab)
	for _, f := range files {
		out.Write(f.data)
	}
	return out.Bytes()
}

func nspBytes(files ...partFile) []byte {
	return partitionBytes("PFS0", pfs0EntrySize, files)
}

// xciBytes builds a cartridge image whose root HFS0 holds an empty update partition and the
// given secure partition
func xciBytes(secure ...partFile) []byte {
	root := partitionBytes("HFS0", hfs0EntrySize, []partFile{
		{name: "update", data: partitionBytes("HFS0", hfs0EntrySize, nil)},
		{name: xciSecurePartitionName, data: partitionBytes("HFS0", hfs0EntrySize, secure)},
	})

	image := make([]byte, xciMinimumSize)
	copy(image[xciMagicOffset:], "HEAD")
	binary.LittleEndian.PutUint64(image[xciPartitionFieldOffset:], xciMinimumSize)
	return append(image, root...)
}

func writeTestFile(t *testing.T, fsys afero.Fs, path string, data []byte) string {
	t.Helper()
	require.NoError(t, fsys.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, afero.WriteFile(fsys, path, data, 0644))
	return path
}

func newTestStore(t *testing.T, fsys afero.Fs, root string, opts ...StoreOption) *NandStore {
	t.Helper()
	store, err := NewNandStore(fsys, root, opts...)
	require.NoError(t, err)
	return store
}

// memEntry is a ContentEntry backed by a byte slice
func memEntry(id ContentID, titleID uint64, contentType ContentType, data []byte) *ContentEntry {
	return &ContentEntry{
		ID:          id,
		Name:        id.String() + ".nca",
		TitleID:     titleID,
		ContentType: contentType,
		TitleType:   ClassifyTitle(titleID, contentType),
		Size:        int64(len(data)),
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

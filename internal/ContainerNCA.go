package internal

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	ncaHeaderSize      = 0xC00
	ncaMagicOffset     = 0x200
	ncaHeaderFieldSize = 0x20

	nczHeaderSize       = 0x4000
	nczSectionEntrySize = 0x40
	nczMaxSections      = 0x100
)

var magicNCZSection = []byte("NCZSECTN")

type ncaHeader struct {
	ContentType ContentType
	ContentSize int64
	ProgramID   uint64
}

// readNCAHeader reads the plaintext NCA header of the content stored at off.
// Encrypted headers are reported as unreadable.
func readNCAHeader(r io.ReaderAt, off, size int64) (ncaHeader, error) {
	if size < ncaHeaderSize {
		return ncaHeader{}, NewInstallError(CodeUnreadableContainer, "NCA at 0x%x is smaller than its header", off)
	}

	buf := make([]byte, ncaHeaderFieldSize)
	if err := readFullAt(r, buf, off+ncaMagicOffset); err != nil {
		return ncaHeader{}, WrapInstallError(err, CodeUnreadableContainer, "cannot read NCA header at 0x%x", off)
	}
	if !bytes.Equal(buf[0:4], magicNCA3) && !bytes.Equal(buf[0:4], magicNCA2) {
		return ncaHeader{}, NewInstallError(CodeUnreadableContainer, "bad NCA magic %q at 0x%x", buf[0:4], off)
	}

	contentType := ContentType(buf[5])
	if contentType > ContentDeltaFragment {
		return ncaHeader{}, NewInstallError(CodeUnreadableContainer, "unknown NCA content type %d at 0x%x", buf[5], off)
	}

	contentSize := binary.LittleEndian.Uint64(buf[8:16])
	if contentSize > uint64(1)<<62 {
		return ncaHeader{}, NewInstallError(CodeUnreadableContainer, "NCA at 0x%x declares an impossible size", off)
	}

	return ncaHeader{
		ContentType: contentType,
		ContentSize: int64(contentSize),
		ProgramID:   binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}

// readNCZSections parses the section table that follows the plaintext NCZ head and returns the
// decompressed size together with the absolute offset of the zstd body
func readNCZSections(r io.ReaderAt, off, size int64) (int64, int64, error) {
	if size < nczHeaderSize+0x10 {
		return 0, 0, NewInstallError(CodeUnreadableContainer, "NCZ at 0x%x is truncated", off)
	}

	header := make([]byte, 0x10)
	if err := readFullAt(r, header, off+nczHeaderSize); err != nil {
		return 0, 0, WrapInstallError(err, CodeUnreadableContainer, "cannot read NCZ section header at 0x%x", off)
	}
	if !bytes.Equal(header[:8], magicNCZSection) {
		return 0, 0, NewInstallError(CodeUnreadableContainer, "bad NCZ section magic at 0x%x", off)
	}

	count := binary.LittleEndian.Uint64(header[8:16])
	if count == 0 || count > nczMaxSections {
		return 0, 0, NewInstallError(CodeUnreadableContainer, "NCZ at 0x%x has %d sections", off, count)
	}

	tableSize := int64(count) * nczSectionEntrySize
	bodyOffset := off + nczHeaderSize + 0x10 + tableSize
	if bodyOffset > off+size {
		return 0, 0, NewInstallError(CodeUnreadableContainer, "NCZ section table at 0x%x exceeds its container", off)
	}

	table := make([]byte, tableSize)
	if err := readFullAt(r, table, off+nczHeaderSize+0x10); err != nil {
		return 0, 0, WrapInstallError(err, CodeUnreadableContainer, "cannot read NCZ section table at 0x%x", off)
	}

	declared := int64(nczHeaderSize)
	for i := int64(0); i < int64(count); i++ {
		section := table[i*nczSectionEntrySize:]
		sectionOffset := binary.LittleEndian.Uint64(section[0:8])
		sectionSize := binary.LittleEndian.Uint64(section[8:16])
		end := sectionOffset + sectionSize
		if end < sectionOffset || end > uint64(1)<<62 {
			return 0, 0, NewInstallError(CodeUnreadableContainer, "NCZ section %d at 0x%x overflows", i, off)
		}
		if int64(end) > declared {
			declared = int64(end)
		}
	}

	return declared, bodyOffset, nil
}

type nczStream struct {
	io.Reader
	dec *zstd.Decoder
}

func (s *nczStream) Close() error {
	s.dec.Close()
	return nil
}

// newContentEntry builds the entry for the NCA or NCZ stored at [off, off+size) of r
func newContentEntry(r io.ReaderAt, name string, off, size int64, opts ReaderOptions) (*ContentEntry, error) {
	header, err := readNCAHeader(r, off, size)
	if err != nil {
		return nil, err
	}

	entry := &ContentEntry{
		Name:        name,
		TitleID:     header.ProgramID,
		ContentType: header.ContentType,
	}

	if strings.HasSuffix(strings.ToLower(name), ".ncz") {
		declared, bodyOffset, err := readNCZSections(r, off, size)
		if err != nil {
			return nil, err
		}
		if header.ContentSize != declared {
			return nil, NewInstallError(CodeUnreadableContainer, "NCZ %s header size 0x%x does not match its sections 0x%x",
				name, header.ContentSize, declared)
		}
		end := off + size
		entry.Size = declared
		entry.open = func() (io.ReadCloser, error) {
			dec, err := zstd.NewReader(io.NewSectionReader(r, bodyOffset, end-bodyOffset), zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil, WrapInstallError(err, CodeIO, "cannot open NCZ body of %s", name)
			}
			head := io.NewSectionReader(r, off, nczHeaderSize)
			return &nczStream{Reader: io.MultiReader(head, dec), dec: dec}, nil
		}
	} else {
		if header.ContentSize != size {
			return nil, NewInstallError(CodeUnreadableContainer, "NCA %s header size 0x%x does not match its stored size 0x%x",
				name, header.ContentSize, size)
		}
		entry.Size = size
		entry.open = func() (io.ReadCloser, error) {
			return io.NopCloser(io.NewSectionReader(r, off, size)), nil
		}
	}

	if id, ok := ContentIDFromName(name); ok {
		entry.ID = id
	} else {
		id, err := ContentIDFromData(io.NewSectionReader(r, off, size))
		if err != nil {
			return nil, WrapInstallError(err, CodeUnreadableContainer, "cannot hash %s", name)
		}
		entry.ID = id
	}

	if opts.TitleType != TitleUnknown {
		entry.TitleType = opts.TitleType
	} else {
		entry.TitleType = ClassifyTitle(entry.TitleID, entry.ContentType)
	}

	return entry, nil
}

func isContentFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".nca") || strings.HasSuffix(lower, ".ncz")
}

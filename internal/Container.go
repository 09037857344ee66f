package internal

import (
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
)

const (
	xciMagicOffset          = 0x100
	xciPartitionFieldOffset = 0x130
	xciMinimumSize          = 0x200
	xciSecurePartitionName  = "secure"
)

// ReaderOptions controls how a container is validated when it is opened
type ReaderOptions struct {
	// StrictBase rejects update and delta content whose base application is neither installed
	// nor bundled in the same container
	StrictBase bool
	// HasBase reports whether the base application of a title id is already installed
	HasBase func(baseTitleID uint64) bool
	// TitleType overrides the derived title type of a loose NCA; ignored for NSP and XCI
	TitleType TitleType
}

// Container is an opened package exposing its content entries in table order
type Container interface {
	Kind() ContainerKind
	Entries() []*ContentEntry
	Close() error
}

// ContainerBackend opens packages for installation
type ContainerBackend interface {
	Open(pkg PackagePath, opts ReaderOptions) (Container, error)
}

// AferoBackend opens packages stored on an afero filesystem
type AferoBackend struct {
	Fs afero.Fs
}

// Open implements ContainerBackend
func (b AferoBackend) Open(pkg PackagePath, opts ReaderOptions) (Container, error) {
	return OpenContainer(b.Fs, pkg, opts)
}

type fileContainer struct {
	kind    ContainerKind
	file    afero.File
	entries []*ContentEntry
}

func (c *fileContainer) Kind() ContainerKind {
	return c.kind
}

func (c *fileContainer) Entries() []*ContentEntry {
	return c.entries
}

func (c *fileContainer) Close() error {
	return c.file.Close()
}

// OpenContainer opens pkg and validates its structure. Only headers and file tables are read here;
// entry data is streamed when the entry is opened.
func OpenContainer(fsys afero.Fs, pkg PackagePath, opts ReaderOptions) (Container, error) {
	info, err := fsys.Stat(pkg.Path)
	if err != nil {
		return nil, WrapInstallError(err, CodeUnreadableContainer, "cannot stat %s", pkg.Path)
	}
	if info.IsDir() {
		if pkg.Kind == KindNSP {
			return nil, NewInstallError(CodeAlreadyExtracted, "%s is an extracted package and cannot be block-copied", pkg.Path)
		}
		return nil, NewInstallError(CodeUnreadableContainer, "%s is a directory", pkg.Path)
	}

	file, err := fsys.Open(pkg.Path)
	if err != nil {
		return nil, WrapInstallError(err, CodeUnreadableContainer, "cannot open %s", pkg.Path)
	}

	size := info.Size()
	var entries []*ContentEntry
	switch pkg.Kind {
	case KindNSP:
		opts.TitleType = TitleUnknown
		entries, err = readNSPEntries(file, 0, size, opts)
	case KindXCI:
		opts.TitleType = TitleUnknown
		entries, err = readXCIEntries(file, size, opts)
	case KindNCA:
		var entry *ContentEntry
		entry, err = newContentEntry(file, filepath.Base(pkg.Path), 0, size, opts)
		if err == nil {
			entries = []*ContentEntry{entry}
		}
	default:
		err = NewInstallError(CodeUnreadableContainer, "%s has an unknown container kind", pkg.Path)
	}

	if err == nil {
		err = checkBaseRequirement(entries, opts)
	}
	if err != nil {
		file.Close()
		return nil, err
	}

	PushLogDebug("container", fmt.Sprintf("Opened %s %s with %d content entries", pkg.Kind, pkg.Path, len(entries)))
	return &fileContainer{kind: pkg.Kind, file: file, entries: entries}, nil
}

// readNSPEntries reads the content entries of the PFS0 (or HFS0) partition at base
func readNSPEntries(r io.ReaderAt, base, size int64, opts ReaderOptions) ([]*ContentEntry, error) {
	files, err := readPartitionFS(r, base, size)
	if err != nil {
		return nil, err
	}

	var entries []*ContentEntry
	for _, f := range files {
		if !isContentFile(f.Name) {
			continue
		}
		entry, err := newContentEntry(r, f.Name, f.Offset, f.Size, opts)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if len(entries) == 0 {
		return nil, NewInstallError(CodeUnreadableContainer, "partition at 0x%x holds no content entries", base)
	}
	return entries, nil
}

// readXCIEntries locates the secure partition of a cartridge image and reads it as an NSP
func readXCIEntries(r io.ReaderAt, size int64, opts ReaderOptions) ([]*ContentEntry, error) {
	if size < xciMinimumSize {
		return nil, NewInstallError(CodeUnreadableContainer, "XCI is truncated")
	}

	magic := make([]byte, 4)
	if err := readFullAt(r, magic, xciMagicOffset); err != nil {
		return nil, WrapInstallError(err, CodeUnreadableContainer, "cannot read XCI header")
	}
	if string(magic) != string(magicXCI) {
		return nil, NewInstallError(CodeUnreadableContainer, "bad XCI magic %q", magic)
	}

	field := make([]byte, 8)
	if err := readFullAt(r, field, xciPartitionFieldOffset); err != nil {
		return nil, WrapInstallError(err, CodeUnreadableContainer, "cannot read XCI partition offset")
	}
	rootOffset := binary.LittleEndian.Uint64(field)
	if rootOffset >= uint64(size) {
		return nil, NewInstallError(CodeUnreadableContainer, "XCI root partition offset 0x%x is outside the image", rootOffset)
	}

	partitions, err := readPartitionFS(r, int64(rootOffset), size-int64(rootOffset))
	if err != nil {
		return nil, err
	}
	for _, p := range partitions {
		if p.Name == xciSecurePartitionName {
			return readNSPEntries(r, p.Offset, p.Size, opts)
		}
	}
	return nil, NewInstallError(CodeUnreadableContainer, "XCI has no secure partition")
}

// checkBaseRequirement enforces StrictBase for update and delta content
func checkBaseRequirement(entries []*ContentEntry, opts ReaderOptions) error {
	if !opts.StrictBase {
		return nil
	}

	var bundledBases []uint64
	for _, e := range entries {
		if e.IsBaseProgram() {
			bundledBases = append(bundledBases, BaseTitleID(e.TitleID))
		}
	}
	bundled := ToSet(bundledBases)

	for _, e := range entries {
		if e.TitleType != TitlePatch && e.TitleType != TitleDelta {
			continue
		}
		base := BaseTitleID(e.TitleID)
		if _, ok := bundled[base]; ok {
			continue
		}
		if opts.HasBase != nil && opts.HasBase(base) {
			continue
		}
		return NewInstallError(CodeMissingBaseRomFS, "%s of title %016x requires base %016x which is not installed",
			e.TitleType, e.TitleID, base).WithDetail("titleId", e.TitleID)
	}
	return nil
}

package internal

import (
	"fmt"
	"io"
	"strings"
)

// ContentID is the 16-byte identifier of a content entry, usually written as 32 hex characters
type ContentID [16]byte

func (id ContentID) String() string {
	return BytesToHex(id[:])
}

// IsZero reports whether the id is unset
func (id ContentID) IsZero() bool {
	return id == ContentID{}
}

// ParseContentID parses 32 hex characters into a ContentID
func ParseContentID(s string) (ContentID, error) {
	var id ContentID
	if len(s) != 32 {
		return id, fmt.Errorf("content id must be 32 hex characters, got %d", len(s))
	}
	raw, err := HexToBytes(strings.ToLower(s))
	if err != nil {
		return id, err
	}
	copy(id[:], raw)
	return id, nil
}

// ContentType is the NCA content type stored in the NCA header
type ContentType uint8

const (
	ContentProgram ContentType = iota
	ContentMeta
	ContentControl
	ContentManual
	ContentData
	ContentPublicData
	ContentDeltaFragment
)

func (c ContentType) String() string {
	switch c {
	case ContentProgram:
		return "Program"
	case ContentMeta:
		return "Meta"
	case ContentControl:
		return "Control"
	case ContentManual:
		return "Manual"
	case ContentData:
		return "Data"
	case ContentPublicData:
		return "PublicData"
	case ContentDeltaFragment:
		return "DeltaFragment"
	default:
		return fmt.Sprintf("ContentType(%d)", uint8(c))
	}
}

// TitleType classifies the title a content entry belongs to.
// Values below TitleApplication are system titles and install into the system store.
type TitleType uint8

const (
	TitleUnknown          TitleType = 0x00
	TitleSystemProgram    TitleType = 0x01
	TitleSystemData       TitleType = 0x02
	TitleSystemUpdate     TitleType = 0x03
	TitleFirmwarePackageA TitleType = 0x04
	TitleFirmwarePackageB TitleType = 0x05
	TitleApplication      TitleType = 0x80
	TitlePatch            TitleType = 0x81
	TitleAddOnContent     TitleType = 0x82
	TitleDelta            TitleType = 0x83
)

var titleTypeNames = map[TitleType]string{
	TitleUnknown:          "unknown",
	TitleSystemProgram:    "system-program",
	TitleSystemData:       "system-data",
	TitleSystemUpdate:     "system-update",
	TitleFirmwarePackageA: "firmware-a",
	TitleFirmwarePackageB: "firmware-b",
	TitleApplication:      "application",
	TitlePatch:            "update",
	TitleAddOnContent:     "aoc",
	TitleDelta:            "delta",
}

func (t TitleType) String() string {
	if name, ok := titleTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TitleType(0x%02x)", uint8(t))
}

// IsSystem reports whether the title type belongs in the system store
func (t TitleType) IsSystem() bool {
	return t != TitleUnknown && t < TitleApplication
}

// ParseTitleType parses the names produced by TitleType.String
func ParseTitleType(name string) (TitleType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return TitleUnknown, nil
	}
	for t, n := range titleTypeNames {
		if n == name {
			return t, nil
		}
	}
	return TitleUnknown, NewInstallError(CodeConfig, "unknown title type %q", name)
}

const (
	baseTitleIDMask  uint64 = 0xFFFFFFFFFFFFE000
	updateTitleIDBit uint64 = 0x800
	aocTitleIDOffset uint64 = 0x1000

	// Titles below this id are system titles
	firstApplicationTitleID uint64 = 0x0100000000010000
)

// BaseTitleID returns the application title id that owns titleID (updates and add-on content included)
func BaseTitleID(titleID uint64) uint64 {
	return titleID & baseTitleIDMask
}

// UpdateTitleID returns the update title id of an application
func UpdateTitleID(programID uint64) uint64 {
	return BaseTitleID(programID) | updateTitleIDBit
}

// ClassifyTitle derives the title type from the title id and content type
func ClassifyTitle(titleID uint64, contentType ContentType) TitleType {
	if contentType == ContentDeltaFragment {
		return TitleDelta
	}
	if titleID < firstApplicationTitleID {
		if contentType == ContentProgram {
			return TitleSystemProgram
		}
		return TitleSystemData
	}
	low := titleID &^ baseTitleIDMask
	switch {
	case low&aocTitleIDOffset != 0:
		return TitleAddOnContent
	case low == updateTitleIDBit:
		return TitlePatch
	default:
		return TitleApplication
	}
}

// ContentEntry is an installable unit inside a container. Entries are owned by their container and
// must not be used after the container is closed.
type ContentEntry struct {
	ID          ContentID
	Name        string
	TitleID     uint64
	ContentType ContentType
	TitleType   TitleType
	// Size is the declared size of the installed content, after decompression
	Size int64

	open func() (io.ReadCloser, error)
}

// Open returns a stream over the entry's installable bytes
func (e *ContentEntry) Open() (io.ReadCloser, error) {
	if e.open == nil {
		return nil, NewInstallError(CodeUnreadableContainer, "entry %s has no data source", e.Name)
	}
	return e.open()
}

// IsBaseProgram reports whether the entry is the program content of a base application
func (e *ContentEntry) IsBaseProgram() bool {
	return e.ContentType == ContentProgram && e.TitleType == TitleApplication
}

// BlockCount returns how many blocks of blockSize the entry copies in
func (e *ContentEntry) BlockCount(blockSize int) uint64 {
	if blockSize <= 0 || e.Size <= 0 {
		return 0
	}
	return uint64((e.Size + int64(blockSize) - 1) / int64(blockSize))
}

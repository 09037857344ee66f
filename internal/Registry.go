package internal

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// ContentRecord describes one committed entry of a content store
type ContentRecord struct {
	ID          ContentID
	TitleID     uint64
	TitleType   TitleType
	ContentType ContentType
	Size        int64
	Checksum    uint64
	InstalledAt time.Time
}

// Field numbers of the registry wire format. The file is a sequence of field 1,
// each holding one embedded record message.
const (
	registryFieldRecord protowire.Number = 1

	recordFieldID          protowire.Number = 1
	recordFieldTitleID     protowire.Number = 2
	recordFieldTitleType   protowire.Number = 3
	recordFieldContentType protowire.Number = 4
	recordFieldSize        protowire.Number = 5
	recordFieldChecksum    protowire.Number = 6
	recordFieldInstalledAt protowire.Number = 7
)

// MarshalRegistry encodes records in protobuf wire format
func MarshalRegistry(records []ContentRecord) []byte {
	var b []byte
	for _, rec := range records {
		b = protowire.AppendTag(b, registryFieldRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalRecord(rec))
	}
	return b
}

func marshalRecord(rec ContentRecord) []byte {
	var b []byte
	b = protowire.AppendTag(b, recordFieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, rec.ID[:])
	b = protowire.AppendTag(b, recordFieldTitleID, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, rec.TitleID)
	b = protowire.AppendTag(b, recordFieldTitleType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.TitleType))
	b = protowire.AppendTag(b, recordFieldContentType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.ContentType))
	b = protowire.AppendTag(b, recordFieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.Size))
	b = protowire.AppendTag(b, recordFieldChecksum, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, rec.Checksum)
	if !rec.InstalledAt.IsZero() {
		b = protowire.AppendTag(b, recordFieldInstalledAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(rec.InstalledAt.Unix()))
	}
	return b
}

// UnmarshalRegistry decodes the output of MarshalRegistry. Unknown fields are skipped.
func UnmarshalRegistry(b []byte) ([]ContentRecord, error) {
	var records []ContentRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if num != registryFieldRecord || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		rec, err := unmarshalRecord(v)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func unmarshalRecord(b []byte) (ContentRecord, error) {
	var rec ContentRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return rec, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == recordFieldID && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return rec, protowire.ParseError(m)
			}
			if len(v) != len(rec.ID) {
				return rec, fmt.Errorf("record content id has %d bytes", len(v))
			}
			copy(rec.ID[:], v)
			n = m
		case (num == recordFieldTitleID || num == recordFieldChecksum) && typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return rec, protowire.ParseError(m)
			}
			if num == recordFieldTitleID {
				rec.TitleID = v
			} else {
				rec.Checksum = v
			}
			n = m
		case typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return rec, protowire.ParseError(m)
			}
			switch num {
			case recordFieldTitleType:
				rec.TitleType = TitleType(v)
			case recordFieldContentType:
				rec.ContentType = ContentType(v)
			case recordFieldSize:
				rec.Size = int64(v)
			case recordFieldInstalledAt:
				rec.InstalledAt = time.Unix(int64(v), 0).UTC()
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return rec, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return rec, nil
}

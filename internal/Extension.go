package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// BytesToHex converts a byte slice to a hexadecimal string
func BytesToHex(bytes []byte) string {
	return hex.EncodeToString(bytes)
}

// HexToBytes converts a hexadecimal string to a byte slice
func HexToBytes(hexStr string) ([]byte, error) {
	if len(hexStr) == 0 {
		return []byte{}, nil
	}
	if len(hexStr)%2 == 1 {
		return nil, fmt.Errorf("hex string must have even length")
	}
	return hex.DecodeString(hexStr)
}

// ContentIDFromName extracts the content id from an entry name such as
// "0123456789abcdef0123456789abcdef.cnmt.nca"
func ContentIDFromName(name string) (ContentID, bool) {
	if len(name) < 32 {
		return ContentID{}, false
	}
	id, err := ParseContentID(name[:32])
	if err != nil {
		return ContentID{}, false
	}
	if len(name) > 32 && name[32] != '.' {
		return ContentID{}, false
	}
	return id, true
}

// ContentIDFromData derives a content id from the first 16 bytes of the SHA-256 of r
func ContentIDFromData(r io.Reader) (ContentID, error) {
	var id ContentID
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return id, err
	}
	copy(id[:], h.Sum(nil))
	return id, nil
}

// ChecksumXxh64 computes the XXH64 digest of everything r yields
func ChecksumXxh64(r io.Reader) (uint64, error) {
	h := xxhash.New()
	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// GetStagingFilenameHash generates a stable staging file name from its parts
func GetStagingFilenameHash(parts ...string) string {
	h := xxhash.New()
	h.WriteString(strings.Join(parts, "$"))
	return fmt.Sprintf("%016x", h.Sum64())
}

// ToSet converts a slice to a set (map with empty struct values)
func ToSet[T comparable](items []T) map[T]struct{} {
	set := make(map[T]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

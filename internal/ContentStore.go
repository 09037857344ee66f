package internal

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/afero"
)

// StoreHandle refers to a reserved, not yet committed entry of a content store
type StoreHandle uint64

// ContentStore is the content-addressed destination of an install.
// A handle is written to by at most one installer at a time.
type ContentStore interface {
	Exists(id ContentID) bool
	// HasTitle reports whether any committed entry belongs to titleID. TitleUnknown matches every type.
	HasTitle(titleID uint64, titleType TitleType) bool
	Reserve(id ContentID, size int64) (StoreHandle, error)
	Write(handle StoreHandle, offset int64, p []byte) error
	Resize(handle StoreHandle, size int64) error
	Commit(handle StoreHandle, record ContentRecord) error
	Discard(handle StoreHandle) error
}

// TitlePruner is implemented by stores that can drop the content an overwrite replaced
type TitlePruner interface {
	// PruneTitle removes every committed entry of titleID and titleType whose id is not in keep
	PruneTitle(titleID uint64, titleType TitleType, keep map[ContentID]struct{}) (int, error)
}

// SpaceProbe returns the free bytes available at path
type SpaceProbe func(path string) (uint64, error)

// DiskSpaceProbe reports the free space of the filesystem holding path
func DiskSpaceProbe(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// StoreOption configures a NandStore
type StoreOption func(*NandStore)

// WithQuota caps the bytes the store may hold, committed and reserved together
func WithQuota(bytes int64) StoreOption {
	return func(s *NandStore) {
		s.quota = bytes
	}
}

// WithSpaceProbe replaces the free-space check used when no quota is set
func WithSpaceProbe(probe SpaceProbe) StoreOption {
	return func(s *NandStore) {
		s.probe = probe
	}
}

// WithStoreName sets the name used in log messages
func WithStoreName(name string) StoreOption {
	return func(s *NandStore) {
		s.name = name
	}
}

const (
	registeredDir  = "registered"
	placeholderDir = "placeholder"
	registryFile   = "registered.db"
)

type placeholder struct {
	id   ContentID
	path string
	file afero.File
	size int64
}

// NandStore is a ContentStore laid out on an afero filesystem: committed content lives in
// registered/<id>.nca, in-flight content in placeholder/, and the registry in registered.db.
type NandStore struct {
	name  string
	fs    afero.Fs
	root  string
	quota int64
	probe SpaceProbe

	mu           sync.Mutex
	records      map[ContentID]ContentRecord
	placeholders map[StoreHandle]*placeholder
	nextHandle   StoreHandle
}

// NewNandStore opens or creates a store under root. Placeholders left behind by an interrupted
// install are removed.
func NewNandStore(fsys afero.Fs, root string, opts ...StoreOption) (*NandStore, error) {
	s := &NandStore{
		name:         "nand",
		fs:           fsys,
		root:         root,
		records:      make(map[ContentID]ContentRecord),
		placeholders: make(map[StoreHandle]*placeholder),
	}
	if _, ok := fsys.(*afero.OsFs); ok {
		s.probe = DiskSpaceProbe
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{registeredDir, placeholderDir} {
		if err := fsys.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, WrapInstallError(err, CodeIO, "cannot create %s", filepath.Join(root, dir))
		}
	}

	stale, err := afero.ReadDir(fsys, filepath.Join(root, placeholderDir))
	if err != nil {
		return nil, WrapInstallError(err, CodeIO, "cannot list placeholders of %s", root)
	}
	for _, info := range stale {
		path := filepath.Join(root, placeholderDir, info.Name())
		if err := fsys.RemoveAll(path); err != nil {
			PushLogWarning(s, fmt.Sprintf("Cannot remove stale placeholder %s: %v", path, err))
		}
	}

	data, err := afero.ReadFile(fsys, filepath.Join(root, registryFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, WrapInstallError(err, CodeIO, "cannot read registry of %s", root)
	default:
		records, err := UnmarshalRegistry(data)
		if err != nil {
			return nil, WrapInstallError(err, CodeIO, "corrupt registry in %s", root)
		}
		for _, rec := range records {
			s.records[rec.ID] = rec
		}
	}

	PushLogDebug(s, fmt.Sprintf("Opened content store %s with %d entries", root, len(s.records)))
	return s, nil
}

func (s *NandStore) String() string {
	return s.name
}

// Root returns the directory the store lives in
func (s *NandStore) Root() string {
	return s.root
}

func (s *NandStore) registeredPath(id ContentID) string {
	return filepath.Join(s.root, registeredDir, id.String()+".nca")
}

// Exists implements ContentStore
func (s *NandStore) Exists(id ContentID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok
}

// HasTitle implements ContentStore
func (s *NandStore) HasTitle(titleID uint64, titleType TitleType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.TitleID == titleID && (titleType == TitleUnknown || rec.TitleType == titleType) {
			return true
		}
	}
	return false
}

// Reserve implements ContentStore. The placeholder is created at its full size up front.
func (s *NandStore) Reserve(id ContentID, size int64) (StoreHandle, error) {
	if size < 0 {
		return 0, NewInstallError(CodeAllocation, "cannot reserve a negative size for %s", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSpaceLocked(id, size); err != nil {
		return 0, err
	}

	s.nextHandle++
	handle := s.nextHandle
	path := filepath.Join(s.root, placeholderDir,
		GetStagingFilenameHash(id.String(), strconv.FormatUint(uint64(handle), 10))+".nca")

	file, err := s.fs.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return 0, WrapInstallError(err, CodeAllocation, "cannot create placeholder for %s", id)
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		s.fs.Remove(path)
		return 0, WrapInstallError(err, CodeAllocation, "cannot resize placeholder for %s to %d bytes", id, size)
	}

	s.placeholders[handle] = &placeholder{id: id, path: path, file: file, size: size}
	PushLogDebug(s, fmt.Sprintf("Reserved %d bytes for %s", size, id))
	return handle, nil
}

func (s *NandStore) checkSpaceLocked(id ContentID, size int64) error {
	if s.quota > 0 {
		var used int64
		for recID, rec := range s.records {
			if recID != id {
				used += rec.Size
			}
		}
		for _, ph := range s.placeholders {
			used += ph.size
		}
		if used+size > s.quota {
			return NewInstallError(CodeAllocation, "reserving %d bytes for %s exceeds the quota (%d of %d used)",
				size, id, used, s.quota).WithDetail("quota", s.quota)
		}
		return nil
	}

	if s.probe == nil {
		return nil
	}
	free, err := s.probe(s.root)
	if err != nil {
		PushLogDebug(s, fmt.Sprintf("Free space probe failed for %s: %v", s.root, err))
		return nil
	}
	if uint64(size) > free {
		return NewInstallError(CodeAllocation, "reserving %d bytes for %s exceeds the %d bytes free", size, id, free)
	}
	return nil
}

func (s *NandStore) placeholderLocked(handle StoreHandle) (*placeholder, error) {
	ph, ok := s.placeholders[handle]
	if !ok {
		return nil, NewInstallError(CodeIO, "unknown store handle %d", handle)
	}
	return ph, nil
}

// Write implements ContentStore. Writes outside the reserved size are refused.
func (s *NandStore) Write(handle StoreHandle, offset int64, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ph, err := s.placeholderLocked(handle)
	if err != nil {
		return err
	}
	if offset < 0 || offset+int64(len(p)) > ph.size {
		return NewInstallError(CodeIO, "write of %d bytes at 0x%x exceeds the %d bytes reserved for %s",
			len(p), offset, ph.size, ph.id)
	}

	n, err := ph.file.WriteAt(p, offset)
	if err != nil {
		return WrapInstallError(err, CodeIO, "write to %s failed", ph.id)
	}
	if n < len(p) {
		return WrapInstallError(io.ErrShortWrite, CodeIO, "short write to %s", ph.id)
	}
	return nil
}

// Resize implements ContentStore
func (s *NandStore) Resize(handle StoreHandle, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ph, err := s.placeholderLocked(handle)
	if err != nil {
		return err
	}
	if err := ph.file.Truncate(size); err != nil {
		return WrapInstallError(err, CodeIO, "cannot resize %s to %d bytes", ph.id, size)
	}
	ph.size = size
	return nil
}

// Commit implements ContentStore. The placeholder replaces any committed entry with the same id.
// Once the content is renamed into place the commit stands, even if the registry file cannot be written.
func (s *NandStore) Commit(handle StoreHandle, record ContentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ph, err := s.placeholderLocked(handle)
	if err != nil {
		return err
	}
	delete(s.placeholders, handle)

	if err := ph.file.Close(); err != nil {
		s.fs.Remove(ph.path)
		return WrapInstallError(err, CodeIO, "cannot close placeholder of %s", ph.id)
	}

	dst := s.registeredPath(ph.id)
	if err := s.fs.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.fs.Remove(ph.path)
		return WrapInstallError(err, CodeIO, "cannot replace %s", ph.id)
	}
	if err := s.fs.Rename(ph.path, dst); err != nil {
		s.fs.Remove(ph.path)
		delete(s.records, ph.id)
		return WrapInstallError(err, CodeIO, "cannot register %s", ph.id)
	}

	record.ID = ph.id
	record.Size = ph.size
	s.records[ph.id] = record
	PushLogDebug(s, fmt.Sprintf("Committed %s (%d bytes, title %016x)", ph.id, ph.size, record.TitleID))
	if err := s.persistLocked(); err != nil {
		// The content is registered in memory and on disk; the registry is rewritten in full on the next change
		PushLogWarning(s, fmt.Sprintf("Committed %s but could not update the registry: %v", ph.id, err))
	}
	return nil
}

// Discard implements ContentStore
func (s *NandStore) Discard(handle StoreHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ph, err := s.placeholderLocked(handle)
	if err != nil {
		return err
	}
	delete(s.placeholders, handle)

	ph.file.Close()
	if err := s.fs.Remove(ph.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return WrapInstallError(err, CodeIO, "cannot remove placeholder of %s", ph.id)
	}
	return nil
}

// Size returns the committed size of id
func (s *NandStore) Size(id ContentID) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec.Size, ok
}

// Record returns the registry entry of id
func (s *NandStore) Record(id ContentID) (ContentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// PendingReservations returns the number of reserved, uncommitted entries
func (s *NandStore) PendingReservations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.placeholders)
}

// List returns every committed entry ordered by title id, then content id
func (s *NandStore) List() []ContentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

func (s *NandStore) sortedLocked() []ContentRecord {
	records := make([]ContentRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].TitleID != records[j].TitleID {
			return records[i].TitleID < records[j].TitleID
		}
		return records[i].ID.String() < records[j].ID.String()
	})
	return records
}

// OpenContent opens the committed data of id
func (s *NandStore) OpenContent(id ContentID) (io.ReadCloser, error) {
	if !s.Exists(id) {
		return nil, NewInstallError(CodeNotFound, "content %s is not installed", id)
	}
	file, err := s.fs.Open(s.registeredPath(id))
	if err != nil {
		return nil, WrapInstallError(err, CodeIO, "cannot open %s", id)
	}
	return file, nil
}

// Remove deletes a committed entry
func (s *NandStore) Remove(id ContentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return NewInstallError(CodeNotFound, "content %s is not installed", id)
	}
	if err := s.removeLocked(id); err != nil {
		return err
	}
	return s.persistLocked()
}

// RemoveTitle deletes every committed entry of titleID and returns how many were removed
func (s *NandStore) RemoveTitle(titleID uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		if rec.TitleID != titleID {
			continue
		}
		if err := s.removeLocked(id); err != nil {
			return removed, err
		}
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	PushLogInfo(s, fmt.Sprintf("Removed %d entries of title %016x", removed, titleID))
	return removed, s.persistLocked()
}

// PruneTitle implements TitlePruner
func (s *NandStore) PruneTitle(titleID uint64, titleType TitleType, keep map[ContentID]struct{}) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		if rec.TitleID != titleID || rec.TitleType != titleType {
			continue
		}
		if _, ok := keep[id]; ok {
			continue
		}
		if err := s.removeLocked(id); err != nil {
			return removed, err
		}
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persistLocked()
}

func (s *NandStore) removeLocked(id ContentID) error {
	if err := s.fs.Remove(s.registeredPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return WrapInstallError(err, CodeIO, "cannot remove %s", id)
	}
	delete(s.records, id)
	return nil
}

// Verify re-reads a committed entry and compares its size and XXH64 checksum with the registry
func (s *NandStore) Verify(id ContentID) error {
	rec, ok := s.Record(id)
	if !ok {
		return NewInstallError(CodeNotFound, "content %s is not installed", id)
	}

	file, err := s.fs.Open(s.registeredPath(id))
	if err != nil {
		return WrapInstallError(err, CodeIO, "cannot open %s", id)
	}
	defer file.Close()

	counter := &countingReader{r: file}
	sum, err := ChecksumXxh64(counter)
	if err != nil {
		return WrapInstallError(err, CodeIO, "cannot read %s", id)
	}
	if counter.n != rec.Size {
		return NewInstallError(CodeIO, "content %s has %d bytes, registry says %d", id, counter.n, rec.Size)
	}
	if sum != rec.Checksum {
		return NewInstallError(CodeIO, "content %s checksum %016x does not match registry %016x", id, sum, rec.Checksum)
	}
	return nil
}

func (s *NandStore) persistLocked() error {
	path := filepath.Join(s.root, registryFile)
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, MarshalRegistry(s.sortedLocked()), 0644); err != nil {
		return WrapInstallError(err, CodeIO, "cannot write registry of %s", s.root)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		return WrapInstallError(err, CodeIO, "cannot replace registry of %s", s.root)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

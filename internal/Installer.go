package internal

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultBlockSize is the copy block size used when none is configured
const DefaultBlockSize = 0x1000

// Installer copies content entries into a content store block by block
type Installer struct {
	BlockSize int
	Limiter   *WriteSpeedLimiter
}

// NewInstaller creates an Installer; a non-positive block size selects DefaultBlockSize
func NewInstaller(blockSize int, limiter *WriteSpeedLimiter) *Installer {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Installer{BlockSize: blockSize, Limiter: limiter}
}

func (in *Installer) blockSize() int {
	if in.BlockSize <= 0 {
		return DefaultBlockSize
	}
	return in.BlockSize
}

// InstallEntry reserves entry.Size bytes in store and copies the entry from offset 0 in blocks.
// ctx is checked before every block; sink is called once after every block written.
// On cancellation or any copy error the reservation is resized to zero and discarded,
// so no partial entry is ever committed.
func (in *Installer) InstallEntry(ctx context.Context, entry *ContentEntry, store ContentStore, sink ProgressSink) (ContentRecord, error) {
	blockSize := in.blockSize()

	src, err := entry.Open()
	if err != nil {
		return ContentRecord{}, ensureCode(err, CodeIO, "cannot open %s", entry.Name)
	}
	defer src.Close()

	handle, err := store.Reserve(entry.ID, entry.Size)
	if err != nil {
		return ContentRecord{}, ensureCode(err, CodeAllocation, "cannot reserve %d bytes for %s", entry.Size, entry.ID)
	}

	rollback := func(cause error) (ContentRecord, error) {
		if err := store.Resize(handle, 0); err != nil {
			PushLogWarning("installer", fmt.Sprintf("Cannot resize %s to zero: %v", entry.ID, err))
		}
		if err := store.Discard(handle); err != nil {
			PushLogWarning("installer", fmt.Sprintf("Cannot discard %s: %v", entry.ID, err))
		}
		return ContentRecord{}, cause
	}

	out, err := NewBlockStream(store, handle, entry.Size)
	if err != nil {
		return rollback(WrapInstallError(err, CodeIO, "cannot open destination of %s", entry.ID))
	}

	PushLogDebug("installer", fmt.Sprintf("Copying %s (%s, %d bytes) in blocks of 0x%x", entry.Name, entry.ContentType, entry.Size, blockSize))

	buffer := make([]byte, blockSize)
	digest := xxhash.New()
	remain := entry.Size
	for remain > 0 {
		if err := ctx.Err(); err != nil {
			PushLogInfo("installer", fmt.Sprintf("Install of %s cancelled at 0x%x of 0x%x", entry.Name, out.Position(), entry.Size))
			return rollback(WrapInstallError(err, CodeCancelled, "install of %s cancelled at 0x%x", entry.ID, out.Position()))
		}

		toRead := min(int64(blockSize), remain)
		read, err := io.ReadFull(src, buffer[:toRead])
		if err != nil {
			return rollback(WrapInstallError(err, CodeIO, "short read of %s at 0x%x: got %d of %d bytes",
				entry.Name, out.Position(), read, toRead))
		}

		if _, err := out.Write(buffer[:read]); err != nil {
			return rollback(ensureCode(err, CodeIO, "write of %s failed at 0x%x", entry.ID, out.Position()))
		}
		digest.Write(buffer[:read])
		remain -= int64(read)

		if sink != nil {
			sink.OnBlockCompleted()
		}

		if err := in.Limiter.Wait(ctx, read); err != nil {
			return rollback(WrapInstallError(err, CodeCancelled, "install of %s cancelled while throttled", entry.ID))
		}
	}

	record := ContentRecord{
		ID:          entry.ID,
		TitleID:     entry.TitleID,
		TitleType:   entry.TitleType,
		ContentType: entry.ContentType,
		Size:        entry.Size,
		Checksum:    digest.Sum64(),
		InstalledAt: time.Now().UTC(),
	}
	if err := store.Commit(handle, record); err != nil {
		// A store that failed to commit may already have released the handle
		if discardErr := store.Discard(handle); discardErr != nil {
			PushLogDebug("installer", fmt.Sprintf("Discard of %s after a failed commit: %v", entry.ID, discardErr))
		}
		return ContentRecord{}, ensureCode(err, CodeIO, "cannot commit %s", entry.ID)
	}

	PushLogDebug("installer", fmt.Sprintf("Installed %s -> %s (%d bytes, xxh64 %016x)", entry.Name, entry.ID, entry.Size, record.Checksum))
	return record, nil
}

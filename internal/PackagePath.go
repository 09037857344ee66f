package internal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/ulikunitz/xz"
)

// ContainerKind is the package format of an install source
type ContainerKind int

const (
	KindUnknown ContainerKind = iota
	KindNSP
	KindXCI
	KindNCA
)

func (k ContainerKind) String() string {
	switch k {
	case KindNSP:
		return "NSP"
	case KindXCI:
		return "XCI"
	case KindNCA:
		return "NCA"
	default:
		return "Unknown"
	}
}

// PackagePath is an install source with its resolved container kind
type PackagePath struct {
	Path string
	Kind ContainerKind
}

const signatureProbeSize = 0x204

var (
	magicPFS0 = []byte("PFS0")
	magicHFS0 = []byte("HFS0")
	magicXCI  = []byte("HEAD")
	magicNCA3 = []byte("NCA3")
	magicNCA2 = []byte("NCA2")
)

// ResolvePackagePath infers the container kind of path, first by extension and then by signature.
// A directory resolves to an NSP so that opening it reports the package as already extracted.
func ResolvePackagePath(fsys afero.Fs, path string) (PackagePath, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		return PackagePath{}, WrapInstallError(err, CodeUnreadableContainer, "cannot stat %s", path)
	}
	if info.IsDir() {
		return PackagePath{Path: path, Kind: KindNSP}, nil
	}

	if kind := kindFromExtension(path); kind != KindUnknown {
		return PackagePath{Path: path, Kind: kind}, nil
	}

	f, err := fsys.Open(path)
	if err != nil {
		return PackagePath{}, WrapInstallError(err, CodeUnreadableContainer, "cannot open %s", path)
	}
	defer f.Close()

	probe := make([]byte, signatureProbeSize)
	n, err := io.ReadFull(f, probe)
	if err != nil && err != io.ErrUnexpectedEOF {
		return PackagePath{}, WrapInstallError(err, CodeUnreadableContainer, "cannot read signature of %s", path)
	}
	kind := kindFromSignature(probe[:n])
	if kind == KindUnknown {
		return PackagePath{}, NewInstallError(CodeUnreadableContainer, "%s has no recognised container signature", path)
	}
	return PackagePath{Path: path, Kind: kind}, nil
}

func kindFromExtension(path string) ContainerKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".nsp":
		return KindNSP
	case ".xci":
		return KindXCI
	case ".nca", ".ncz":
		return KindNCA
	default:
		return KindUnknown
	}
}

func kindFromSignature(probe []byte) ContainerKind {
	switch {
	case len(probe) >= 4 && bytes.Equal(probe[:4], magicPFS0):
		return KindNSP
	case len(probe) >= 0x104 && bytes.Equal(probe[0x100:0x104], magicXCI):
		return KindXCI
	case len(probe) >= 0x204 && (bytes.Equal(probe[0x200:0x204], magicNCA3) || bytes.Equal(probe[0x200:0x204], magicNCA2)):
		return KindNCA
	default:
		return KindUnknown
	}
}

// IsCompressedPackage reports whether path carries an outer .xz or .zst wrapper
func IsCompressedPackage(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xz", ".zst":
		return true
	default:
		return false
	}
}

// stagingBlockSize is the copy unit while unwrapping a package; ctx is checked once per block
const stagingBlockSize = 1 << 20

// StagePackage unwraps an .xz or .zst package into stagingDir and returns the staged path.
// Uncompressed paths are returned unchanged. The cleanup function is always non-nil.
func StagePackage(ctx context.Context, fsys afero.Fs, path, stagingDir string) (string, func(), error) {
	noop := func() {}
	if !IsCompressedPackage(path) {
		return path, noop, nil
	}

	src, err := fsys.Open(path)
	if err != nil {
		return "", noop, WrapInstallError(err, CodeUnreadableContainer, "cannot open %s", path)
	}
	defer src.Close()

	var reader io.Reader
	var closeReader func()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xz":
		xzReader, err := xz.NewReader(src)
		if err != nil {
			return "", noop, WrapInstallError(err, CodeUnreadableContainer, "invalid xz stream in %s", path)
		}
		reader = xzReader
		closeReader = func() {}
	default:
		zReader, err := zstd.NewReader(src)
		if err != nil {
			return "", noop, WrapInstallError(err, CodeUnreadableContainer, "invalid zstd stream in %s", path)
		}
		reader = zReader
		closeReader = zReader.Close
	}
	defer closeReader()

	if err := fsys.MkdirAll(stagingDir, 0755); err != nil {
		return "", noop, WrapInstallError(err, CodeIO, "cannot create staging directory %s", stagingDir)
	}

	inner := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	stagedPath := filepath.Join(stagingDir, fmt.Sprintf("%s_%s", GetStagingFilenameHash(path), inner))

	dst, err := fsys.Create(stagedPath)
	if err != nil {
		return "", noop, WrapInstallError(err, CodeIO, "cannot create staging file %s", stagedPath)
	}
	cleanup := func() {
		if err := fsys.Remove(stagedPath); err != nil {
			PushLogWarning("stage", fmt.Sprintf("Failed to remove staging file %s: %v", stagedPath, err))
		}
	}

	written, err := copyBlocks(ctx, dst, reader)
	closeErr := dst.Close()
	if err != nil {
		cleanup()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", noop, WrapInstallError(ctxErr, CodeCancelled, "staging of %s cancelled after %d bytes", path, written)
		}
		return "", noop, ensureCode(err, CodeUnreadableContainer, "cannot decompress %s", path)
	}
	if closeErr != nil {
		cleanup()
		return "", noop, WrapInstallError(closeErr, CodeIO, "cannot finish staging file %s", stagedPath)
	}

	PushLogDebug("stage", fmt.Sprintf("Staged %s -> %s (%d bytes)", path, stagedPath, written))
	return stagedPath, cleanup, nil
}

// copyBlocks copies src to dst at most one staging block per read and stops once ctx is cancelled
func copyBlocks(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buffer := make([]byte, stagingBlockSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		read, err := src.Read(buffer)
		if read > 0 {
			n, writeErr := dst.Write(buffer[:read])
			written += int64(n)
			if writeErr != nil {
				return written, WrapInstallError(writeErr, CodeIO, "cannot write staging file")
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

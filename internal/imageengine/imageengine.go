// Package imageengine implements whole-disk image operations: flashing a
// source image onto a device, backing a device up to an image file,
// staging a Windows installer volume, and inspecting/hashing image files.
// Flash is grounded on original_source's handle_flash_image/
// flash_write_with_hash/flash_verify_with_hash; backup, windows-install,
// inspect, and hash are supplemented; the original never wires these
// into its command dispatch even though its streaming+hashing primitives
// support them directly.
package imageengine

import (
	"bufio"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/oxidisk/oxidiskd/internal/journal"
	"github.com/oxidisk/oxidiskd/internal/model"
	"github.com/oxidisk/oxidiskd/internal/partops"
	"github.com/oxidisk/oxidiskd/internal/progressbus"
	"github.com/oxidisk/oxidiskd/internal/sidecar"
)

const flashBufferSize = 4 * 1024 * 1024

// Engine performs image-level operations against raw devices and files.
type Engine struct {
	ops    *partops.Ops
	runner *sidecar.Runner
	bus    *progressbus.Bus
	store  *journal.Store
}

// New builds an Engine, sharing the partops layer's unmount/sidecar
// machinery so flashing/backup go through the same force-unmount and
// kernel-table-refresh discipline as other destructive operations. store is
// the same single-slot Journal Store the resize/move engine uses: spec.md
// §3 lists flash and backup as journaled operations alongside move/copy, so
// Flash and Backup bracket their write loop with Begin/Checkpoint/Commit
// exactly as Move does, even though, unlike a move, an interrupted flash
// or backup has no table edit to roll back; the journal's only job here is
// to let the Dispatcher detect and surface the interruption on restart.
func New(runner *sidecar.Runner, bus *progressbus.Bus, store *journal.Store) *Engine {
	return &Engine{ops: partops.New(runner), runner: runner, bus: bus, store: store}
}

// Flash writes sourcePath onto device, transparently decompressing a
// .gz-suffixed source, then optionally reads the device back and compares
// checksums. A source detected as a Windows installer ISO is refused unless
// allowWindowsISO is set, since dd'ing Windows media onto a whole disk
// produces unbootable media; WindowsInstall is the supported path for it.
func (e *Engine) Flash(ctx context.Context, sourcePath, device string, verify, allowWindowsISO bool) (model.Result, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return model.Result{}, model.ErrIo("stat-source", "could not read image metadata", err)
	}

	if strings.HasSuffix(strings.ToLower(sourcePath), ".iso") && !allowWindowsISO {
		if isWindows, _, _ := e.detectWindowsISO(ctx, sourcePath); isWindows {
			return model.Result{}, model.ErrInvalidInput("mode", "windows-iso detected")
		}
	}

	if err := e.ops.ForceUnmountDisk(ctx, device); err != nil {
		return model.Result{}, err
	}

	if err := e.store.Begin(model.JournalRecord{
		Operation: model.JournalFlash,
		Device:    device,
		Disk:      device,
		SizeBytes: info.Size(),
		BlockSize: flashBufferSize,
	}); err != nil {
		return model.Result{}, model.ErrIo("journal", "could not begin flash journal", err)
	}

	e.bus.Log("flash", "writing image")
	written, sourceHash, err := e.writeWithHash(ctx, sourcePath, device, info.Size())
	if err != nil {
		return model.Result{}, err
	}
	if err := e.store.Checkpoint(written, true); err != nil {
		return model.Result{}, model.ErrIo("journal", "could not checkpoint flash journal", err)
	}

	var verifiedHash string
	if verify {
		e.bus.Log("flash", "verifying image")
		verifiedHash, err = e.hashDeviceRange(ctx, device, written)
		if err != nil {
			return model.Result{}, err
		}
		if verifiedHash != sourceHash {
			return model.Result{}, model.ErrVerificationFailed(sourceHash, verifiedHash)
		}
	}

	if err := e.store.Commit(); err != nil {
		return model.Result{}, model.ErrIo("journal", "could not clear flash journal", err)
	}

	return model.Result{OK: true, Details: map[string]interface{}{
		"target":       device,
		"bytes":        written,
		"sourceHash":   sourceHash,
		"verifiedHash": verifiedHash,
		"verified":     verify,
	}}, nil
}

// Backup streams device to targetPath, refusing to overwrite an existing
// file unless overwrite is set (a deliberate divergence from flashing,
// which always targets removable media the caller already chose to
// erase). When compress is set, the target is written gzip-compressed.
// Backup always verifies by re-reading: after the write, targetPath is
// reopened (and decompressed, if compressed) and rehashed, and the result
// is compared against the hash accumulated while streaming off the
// device, the same round-trip guarantee Flash gives the write direction.
func (e *Engine) Backup(ctx context.Context, device, targetPath string, overwrite, compress bool) (model.Result, error) {
	if _, err := os.Stat(targetPath); err == nil && !overwrite {
		return model.Result{}, model.ErrInvalidInput("targetPath", "destination already exists; pass overwrite to replace it")
	}

	size, err := deviceSize(device)
	if err != nil {
		return model.Result{}, model.ErrIo("stat-device", "could not determine device size", err)
	}

	if err := e.store.Begin(model.JournalRecord{
		Operation: model.JournalBackup,
		Device:    device,
		Disk:      device,
		SizeBytes: size,
		BlockSize: flashBufferSize,
	}); err != nil {
		return model.Result{}, model.ErrIo("journal", "could not begin backup journal", err)
	}

	e.bus.Log("backup", "reading device")
	hash, err := e.copyWithHash(ctx, device, targetPath, size, compress)
	if err != nil {
		return model.Result{}, err
	}
	if err := e.store.Checkpoint(size, true); err != nil {
		return model.Result{}, model.ErrIo("journal", "could not checkpoint backup journal", err)
	}

	e.bus.Log("backup", "verifying image")
	verifiedHash, err := e.hashBackupFile(targetPath, compress)
	if err != nil {
		return model.Result{}, err
	}
	if verifiedHash != hash {
		return model.Result{}, model.ErrVerificationFailed(hash, verifiedHash)
	}

	if err := e.store.Commit(); err != nil {
		return model.Result{}, model.ErrIo("journal", "could not clear backup journal", err)
	}

	return model.Result{OK: true, Details: map[string]interface{}{
		"source":       device,
		"target":       targetPath,
		"bytes":        size,
		"hash":         hash,
		"verifiedHash": verifiedHash,
		"compressed":   compress,
	}}, nil
}

// WindowsInstall stages an exFAT-formatted partition with a Windows
// installer image and an unattended-setup answer file. fat32Fallback
// requests the legacy two-partition split-ISO workaround, which this
// engine does not implement.
func (e *Engine) WindowsInstall(ctx context.Context, isoPath, partition string, fat32Fallback bool, autounattend []byte) (model.Result, error) {
	if fat32Fallback {
		return model.Result{}, model.ErrUnsupported("FAT32 split-image Windows installer fallback is not implemented")
	}

	if _, err := e.ops.FormatPartition(ctx, partition, "exfat", "WININSTALL"); err != nil {
		return model.Result{}, err
	}

	if _, err := e.ops.Mount(ctx, partition); err != nil {
		return model.Result{}, err
	}

	mountPoint, err := e.currentMountPoint(ctx, partition)
	if err != nil {
		return model.Result{}, err
	}

	e.bus.Log("windows-install", "extracting installer image")
	if err := e.extractISO(ctx, isoPath, mountPoint); err != nil {
		return model.Result{}, err
	}

	computerName := "OXI-" + strings.ToUpper(uuid.NewString()[:8])
	if len(autounattend) == 0 {
		autounattend = []byte(defaultAutounattend(computerName))
	}
	if err := os.WriteFile(filepath.Join(mountPoint, "autounattend.xml"), autounattend, 0o644); err != nil {
		return model.Result{}, model.ErrIo("write-answer-file", "could not stage autounattend.xml", err)
	}

	if _, err := e.ops.Unmount(ctx, partition); err != nil {
		return model.Result{}, err
	}

	return model.Result{OK: true, Details: map[string]interface{}{"partition": partition, "iso": isoPath, "computerName": computerName}}, nil
}

// defaultAutounattend produces a minimal unattended-setup answer file
// when the caller doesn't supply one, stamping a unique computer name so
// multiple installs from the same image don't collide on a network.
func defaultAutounattend(computerName string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<unattend xmlns="urn:schemas-microsoft-com:unattend">
  <settings pass="specialize">
    <component name="Microsoft-Windows-Shell-Setup" processorArchitecture="amd64" publicKeyToken="31bf3856ad364e35" language="neutral" versionScope="nonSxS">
      <ComputerName>%s</ComputerName>
    </component>
  </settings>
</unattend>
`, computerName)
}

// InspectImage reports an image file's size, whether it is gzip compressed,
// its uncompressed size estimate for a raw image, and, for a .iso source,
// whether it is a Windows installer image. Windows detection gates Flash: an
// undetected or unoverridden Windows ISO is refused rather than written raw,
// since a Windows installer must be staged onto a partition via
// WindowsInstall rather than dd'd onto a whole disk.
func (e *Engine) InspectImage(ctx context.Context, path string) (model.Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.Result{}, model.ErrIo("stat-image", "could not read image metadata", err)
	}
	compressed := strings.HasSuffix(path, ".gz")

	details := map[string]interface{}{
		"path":       path,
		"bytes":      info.Size(),
		"compressed": compressed,
	}
	if compressed {
		if size, err := gzipUncompressedSizeHint(path); err == nil {
			details["uncompressedBytesHint"] = size
		}
	}

	if strings.HasSuffix(strings.ToLower(path), ".iso") {
		isWindows, reason, brand := e.detectWindowsISO(ctx, path)
		details["isWindows"] = isWindows
		if isWindows {
			details["reason"] = reason
			details["brand"] = brand
		}
		if label, err := isoVolumeLabel(path); err == nil && label != "" {
			details["label"] = label
		}
	}

	return model.Result{OK: true, Details: details}, nil
}

// detectWindowsISO lists an ISO's table of contents via bsdtar (the same
// tool extractISO uses to unpack one) without extracting anything, and
// flags it as a Windows installer if it carries both a boot manager and a
// WIM/ESD install image, mirroring how Windows media is actually laid out.
func (e *Engine) detectWindowsISO(ctx context.Context, path string) (isWindows bool, reason, brand string) {
	out, err := e.runner.Run(ctx, "bsdtar", "-tf", path)
	if err != nil {
		return false, "", ""
	}

	lower := strings.ToLower(out)
	hasBootmgr := strings.Contains(lower, "bootmgr")
	hasInstallImage := strings.Contains(lower, "sources/install.wim") || strings.Contains(lower, "sources/install.esd")

	if hasBootmgr && hasInstallImage {
		return true, "bootmgr+sources/install.wim present", "windows"
	}
	if hasInstallImage {
		return true, "sources/install.wim present", "windows"
	}
	return false, "", ""
}

// isoVolumeLabel reads the Volume Identifier field of an ISO 9660 Primary
// Volume Descriptor directly: sector 16 (offset 0x8000) holds the PVD, and
// its 32-byte label field starts at byte 40 within that sector.
func isoVolumeLabel(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 32)
	if _, err := f.ReadAt(buf, 0x8000+40); err != nil {
		return "", err
	}
	return strings.TrimSpace(string(buf)), nil
}

// HashImage returns the sha256 digest of a file, decompressing on the fly
// if it is gzip-compressed.
func (e *Engine) HashImage(ctx context.Context, path string) (model.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Result{}, model.ErrIo("open-image", "could not open image", err)
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return model.Result{}, &model.OpError{Kind: model.KindCorrupted, Message: "not a valid gzip file", Details: map[string]interface{}{"path": path}, Wrapped: err}
		}
		defer gz.Close()
		reader = gz
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, reader); err != nil {
		return model.Result{}, model.ErrIo("hash", "hashing failed", err)
	}
	return model.Result{OK: true, Details: map[string]interface{}{
		"path": path,
		"hash": hex.EncodeToString(hasher.Sum(nil)),
	}}, nil
}

func (e *Engine) writeWithHash(ctx context.Context, sourcePath, device string, size int64) (int64, string, error) {
	src, err := os.Open(sourcePath)
	if err != nil {
		return 0, "", model.ErrIo("open-source", "could not open image", err)
	}
	defer src.Close()

	var reader io.Reader = src
	if strings.HasSuffix(sourcePath, ".gz") {
		gz, err := gzip.NewReader(src)
		if err != nil {
			return 0, "", &model.OpError{Kind: model.KindCorrupted, Message: "not a valid gzip file", Details: map[string]interface{}{"path": sourcePath}, Wrapped: err}
		}
		defer gz.Close()
		reader = gz
	}

	dst, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return 0, "", model.ErrIo("open-target", "could not open target device", err)
	}
	defer dst.Close()

	hasher := sha256.New()
	mw := io.MultiWriter(dst, hasher)
	buffered := bufio.NewWriterSize(mw, flashBufferSize)

	var written int64
	buf := make([]byte, flashBufferSize)
	for {
		if e.bus.Cancelled() {
			return 0, "", model.ErrCancelled()
		}
		n, readErr := reader.Read(buf)
		if n > 0 {
			if _, err := buffered.Write(buf[:n]); err != nil {
				return 0, "", model.ErrIo("write", "write to device failed", err)
			}
			written += int64(n)
			e.bus.Progress(model.ProgressEvent{Phase: "flash", Percent: percentOf(written, size), Bytes: written, TotalBytes: size})
			e.store.Checkpoint(written, false)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, "", model.ErrIo("read", "read from image failed", readErr)
		}
	}
	if err := buffered.Flush(); err != nil {
		return 0, "", model.ErrIo("flush", "flush to device failed", err)
	}
	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (e *Engine) hashDeviceRange(ctx context.Context, device string, size int64) (string, error) {
	f, err := os.Open(device)
	if err != nil {
		return "", model.ErrIo("open-device", "could not reopen device for verification", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.CopyN(hasher, f, size); err != nil && err != io.EOF {
		return "", model.ErrIo("read", "read-back for verification failed", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (e *Engine) copyWithHash(ctx context.Context, device, targetPath string, size int64, compress bool) (string, error) {
	src, err := os.Open(device)
	if err != nil {
		return "", model.ErrIo("open-device", "could not open device for backup", err)
	}
	defer src.Close()

	dst, err := os.Create(targetPath)
	if err != nil {
		return "", model.ErrIo("create-target", "could not create backup file", err)
	}
	defer dst.Close()

	var writer io.Writer = dst
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(dst)
		writer = gz
	}

	hasher := sha256.New()
	mw := io.MultiWriter(writer, hasher)

	var written int64
	buf := make([]byte, flashBufferSize)
	for written < size {
		if e.bus.Cancelled() {
			return "", model.ErrCancelled()
		}
		chunk := int64(len(buf))
		if size-written < chunk {
			chunk = size - written
		}
		n, err := io.ReadFull(src, buf[:chunk])
		if err != nil && err != io.ErrUnexpectedEOF {
			return "", model.ErrIo("read", "read from device failed", err)
		}
		if _, err := mw.Write(buf[:n]); err != nil {
			return "", model.ErrIo("write", "write to backup file failed", err)
		}
		written += int64(n)
		e.bus.Progress(model.ProgressEvent{Phase: "backup", Percent: percentOf(written, size), Bytes: written, TotalBytes: size})
		e.store.Checkpoint(written, false)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return "", model.ErrIo("flush", "flushing compressed backup file failed", err)
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// hashBackupFile rereads a just-written backup file (decompressing it if
// compressed) and hashes it, the read side of Backup's write-then-verify
// round trip.
func (e *Engine) hashBackupFile(path string, compressed bool) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", model.ErrIo("open-target", "could not reopen backup file for verification", err)
	}
	defer f.Close()

	var reader io.Reader = f
	if compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return "", &model.OpError{Kind: model.KindCorrupted, Message: "not a valid gzip file", Details: map[string]interface{}{"path": path}, Wrapped: err}
		}
		defer gz.Close()
		reader = gz
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, reader); err != nil {
		return "", model.ErrIo("read", "read-back for verification failed", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func percentOf(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return (float64(done) / float64(total)) * 100
}

func deviceSize(device string) (int64, error) {
	f, err := os.Open(device)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	return size, nil
}

func gzipUncompressedSizeHint(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer gz.Close()
	return io.Copy(io.Discard, gz)
}

func (e *Engine) currentMountPoint(ctx context.Context, partition string) (string, error) {
	out, err := e.runner.Run(ctx, "findmnt", "-n", "-o", "TARGET", partition)
	if err != nil {
		return "", model.ErrIo("findmnt", "could not resolve mount point for "+partition, err)
	}
	mountPoint := strings.TrimSpace(out)
	if mountPoint == "" {
		return "", model.ErrInvalidInput("partition", "partition is not mounted")
	}
	return mountPoint, nil
}

// extractISO unpacks isoPath's contents into destDir using bsdtar, which
// reads ISO 9660 images directly without a loop-mount.
func (e *Engine) extractISO(ctx context.Context, isoPath, destDir string) error {
	if _, err := e.runner.Run(ctx, "bsdtar", "-xf", isoPath, "-C", destDir); err != nil {
		return model.ErrSubprocessFailed("bsdtar", -1, err.Error())
	}
	return nil
}


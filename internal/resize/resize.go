// Package resize implements in-place partition growth/shrink and
// crash-safe partition moves/copies over raw block ranges, grounded on
// original_source's resize_linux_partition/move_partition/copy_blocks.
package resize

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/oxidisk/oxidiskd/internal/journal"
	"github.com/oxidisk/oxidiskd/internal/model"
	"github.com/oxidisk/oxidiskd/internal/progressbus"
	"github.com/oxidisk/oxidiskd/internal/sidecar"
	"github.com/oxidisk/oxidiskd/internal/sizefmt"
)

const defaultCopyBufferSize = 4 * 1024 * 1024

// Engine performs resize/move/copy operations over partition byte ranges.
// copyBufferSize is purely the chunk size of the raw block copy loop; it has
// nothing to do with the device's logical sector size that sgdisk's --new
// spec is measured in, which callers supply per-call via model.Bounds.
type Engine struct {
	runner         *sidecar.Runner
	bus            *progressbus.Bus
	store          *journal.Store
	copyBufferSize int
	experimentalFS map[string]bool
}

// New builds an Engine. copyBufferSize <= 0 uses the 4 MiB default.
// experimentalFS names the non-native filesystems §9's open question gates
// behind config (ResizeConfig.ExperimentalFS): without an entry here, resize
// on those families stays an Unsupported error regardless of what binaries
// are installed.
func New(runner *sidecar.Runner, bus *progressbus.Bus, store *journal.Store, copyBufferSize int, experimentalFS []string) *Engine {
	if copyBufferSize <= 0 {
		copyBufferSize = defaultCopyBufferSize
	}
	set := make(map[string]bool, len(experimentalFS))
	for _, fs := range experimentalFS {
		set[fs] = true
	}
	return &Engine{runner: runner, bus: bus, store: store, copyBufferSize: copyBufferSize, experimentalFS: set}
}

// Resize grows or shrinks a partition in place. Order of operations
// (shrink filesystem before the table, grow the table before the
// filesystem) mirrors the direction-dependent safety rule in spec.md §4.H.
func (e *Engine) Resize(ctx context.Context, partition, fs string, bounds model.Bounds, newSizeBytes int64) (model.Result, error) {
	newSizeBytes = sizefmt.AlignMiBFloor(newSizeBytes)
	if newSizeBytes <= 0 {
		return model.Result{}, model.ErrInvalidInput("newSize", "resized size must be positive")
	}

	currentSize := bounds.SizeBytes
	shrinking := newSizeBytes < currentSize

	e.bus.Progress(model.ProgressEvent{Phase: "resize", Percent: 0, Message: "start resize"})

	// tableRewritten tracks whether resizeTable has already committed the
	// new table entry in this call, so a later substep's failure can
	// restore the original entry rather than leave the table and
	// filesystem disagreeing about the partition's size.
	tableRewritten := false
	restoreTable := func(cause error) (model.Result, error) {
		if !tableRewritten {
			return model.Result{}, cause
		}
		if restoreErr := e.resizeTable(ctx, partition, bounds.Offset, currentSize, bounds.BlockSize); restoreErr != nil {
			return model.Result{}, model.ErrCorrupted(&model.JournalRecord{
				Operation: "resize",
				Device:    partition,
				SizeBytes: currentSize,
			})
		}
		return model.Result{}, cause
	}

	switch fs {
	case "ext4":
		if shrinking {
			if _, err := e.runner.Run(ctx, "e2fsck", "-f", "-y", partition); err != nil {
				return model.Result{}, toOpErr("e2fsck", err)
			}
			sizeArg := fmt.Sprintf("%dM", newSizeBytes/sizefmt.MiB)
			if _, err := e.runner.Run(ctx, "resize2fs", partition, sizeArg); err != nil {
				return model.Result{}, toOpErr("resize2fs", err)
			}
			if err := e.resizeTable(ctx, partition, bounds.Offset, newSizeBytes, bounds.BlockSize); err != nil {
				return model.Result{}, err
			}
			tableRewritten = true
		} else {
			if err := e.resizeTable(ctx, partition, bounds.Offset, newSizeBytes, bounds.BlockSize); err != nil {
				return model.Result{}, err
			}
			tableRewritten = true
			if _, err := e.runner.Run(ctx, "resize2fs", partition); err != nil {
				return restoreTable(toOpErr("resize2fs", err))
			}
		}
	case "ntfs":
		if shrinking {
			sizeArg := fmt.Sprintf("%d", newSizeBytes)
			if _, err := e.runner.Run(ctx, "ntfsresize", "-f", "-s", sizeArg, partition); err != nil {
				return model.Result{}, toOpErr("ntfsresize", err)
			}
			if err := e.resizeTable(ctx, partition, bounds.Offset, newSizeBytes, bounds.BlockSize); err != nil {
				return model.Result{}, err
			}
			tableRewritten = true
		} else {
			if err := e.resizeTable(ctx, partition, bounds.Offset, newSizeBytes, bounds.BlockSize); err != nil {
				return model.Result{}, err
			}
			tableRewritten = true
			if _, err := e.runner.Run(ctx, "ntfsresize", "-f", partition); err != nil {
				return restoreTable(toOpErr("ntfsresize", err))
			}
		}
	case "btrfs":
		if !e.experimentalFS["btrfs"] {
			return model.Result{}, model.ErrUnsupported("btrfs resize is experimental; enable via resize.experimental_resize_fs")
		}
		if err := e.resizeTable(ctx, partition, bounds.Offset, newSizeBytes, bounds.BlockSize); err != nil {
			return model.Result{}, err
		}
		tableRewritten = true
		sizeArg := fmt.Sprintf("%d", newSizeBytes)
		if _, err := e.runner.Run(ctx, "btrfs", "filesystem", "resize", sizeArg, partition); err != nil {
			return restoreTable(toOpErr("btrfs", err))
		}
	case "xfs":
		if !e.experimentalFS["xfs"] {
			return model.Result{}, model.ErrUnsupported("xfs resize is experimental; enable via resize.experimental_resize_fs")
		}
		if shrinking {
			return model.Result{}, model.ErrUnsupported("xfs does not support shrinking, only growing")
		}
		if err := e.resizeTable(ctx, partition, bounds.Offset, newSizeBytes, bounds.BlockSize); err != nil {
			return model.Result{}, err
		}
		tableRewritten = true
		if _, err := e.runner.Run(ctx, "xfs_growfs", partition); err != nil {
			return restoreTable(toOpErr("xfs_growfs", err))
		}
	case "exfat", "fat32":
		return model.Result{}, model.ErrUnsupported("resize for FAT/exFAT is not supported")
	default:
		return model.Result{}, model.ErrUnsupported("unsupported filesystem for resize: " + fs)
	}

	e.bus.Progress(model.ProgressEvent{Phase: "resize", Percent: 100, Message: "resize complete"})
	return model.Result{OK: true, Details: map[string]interface{}{"partition": partition, "newSize": newSizeBytes}}, nil
}

func (e *Engine) resizeTable(ctx context.Context, partition string, start, size, sectorSize int64) error {
	disk, num, err := partitionNumber(partition)
	if err != nil {
		return model.ErrInvalidInput("partitionIdentifier", err.Error())
	}
	startSector := start / sectorSize
	endSector := (start+size)/sectorSize - 1
	spec := fmt.Sprintf("%d:%d:%d", num, startSector, endSector)
	if _, err := e.runner.Run(ctx, "sgdisk", "--delete", fmt.Sprint(num), "--new", spec, disk); err != nil {
		return toOpErr("sgdisk", err)
	}
	return nil
}

// Move relocates a partition to a new start offset within the same disk,
// copying its data with a crash-safe direction-aware block copy guarded
// by a journal record.
func (e *Engine) Move(ctx context.Context, partition string, bounds model.Bounds, newStart int64) (model.Result, error) {
	alignedStart := sizefmt.AlignMiBFloor(newStart)
	size := bounds.SizeBytes
	currentStart := bounds.Offset
	newEnd := alignedStart + size

	if alignedStart < bounds.MinStart || alignedStart > bounds.MaxStart {
		return model.Result{}, model.ErrInvalidInput("newStart", "target range is outside available free space")
	}

	disk, num, err := partitionNumber(partition)
	if err != nil {
		return model.Result{}, model.ErrInvalidInput("partitionIdentifier", err.Error())
	}

	rec := model.JournalRecord{
		Operation:  model.JournalMove,
		Device:     partition,
		Disk:       disk,
		SrcOffset:  currentStart,
		DstOffset:  alignedStart,
		SizeBytes:  size,
		BlockSize:  int64(e.copyBufferSize),
		LastCopied: 0,
	}
	if err := e.store.Begin(rec); err != nil {
		return model.Result{}, model.ErrIo("journal", "could not begin move journal", err)
	}

	e.bus.Progress(model.ProgressEvent{Phase: "move", Percent: 0, Message: "start move"})
	if err := e.copyBlocks(ctx, disk, currentStart, alignedStart, size, true); err != nil {
		return model.Result{}, err
	}

	startSector := alignedStart / bounds.BlockSize
	endSector := newEnd/bounds.BlockSize - 1
	spec := fmt.Sprintf("%d:%d:%d", num, startSector, endSector)
	if _, err := e.runner.Run(ctx, "sgdisk", "--delete", fmt.Sprint(num), "--new", spec, disk); err != nil {
		return model.Result{}, toOpErr("sgdisk", err)
	}

	if err := e.store.Commit(); err != nil {
		return model.Result{}, model.ErrIo("journal", "could not clear move journal", err)
	}
	e.bus.Progress(model.ProgressEvent{Phase: "move", Percent: 100, Message: "move complete"})

	return model.Result{OK: true, Details: map[string]interface{}{"partition": partition, "newStart": alignedStart}}, nil
}

// Copy duplicates a partition's byte range to a free destination offset on
// the same disk and registers a new partition-table entry spanning it,
// leaving the source partition untouched. It shares Move's crash-safe
// block copy and journaling, tagged model.JournalCopy instead of
// model.JournalMove.
func (e *Engine) Copy(ctx context.Context, partition string, bounds model.Bounds, destStart int64) (model.Result, error) {
	alignedStart := sizefmt.AlignMiBFloor(destStart)
	size := bounds.SizeBytes
	destEnd := alignedStart + size

	if alignedStart < bounds.MinStart || alignedStart > bounds.MaxStart {
		return model.Result{}, model.ErrInvalidInput("destStart", "destination range is outside available free space")
	}

	disk, _, err := partitionNumber(partition)
	if err != nil {
		return model.Result{}, model.ErrInvalidInput("partitionIdentifier", err.Error())
	}

	rec := model.JournalRecord{
		Operation:  model.JournalCopy,
		Device:     partition,
		Disk:       disk,
		SrcOffset:  bounds.Offset,
		DstOffset:  alignedStart,
		SizeBytes:  size,
		BlockSize:  int64(e.copyBufferSize),
		LastCopied: 0,
	}
	if err := e.store.Begin(rec); err != nil {
		return model.Result{}, model.ErrIo("journal", "could not begin copy journal", err)
	}

	e.bus.Progress(model.ProgressEvent{Phase: "copy", Percent: 0, Message: "start copy"})
	if err := e.copyBlocks(ctx, disk, bounds.Offset, alignedStart, size, true); err != nil {
		return model.Result{}, err
	}

	startSector := alignedStart / bounds.BlockSize
	endSector := destEnd/bounds.BlockSize - 1
	newIndex, err := nextPartitionIndex(ctx, e.runner, disk)
	if err != nil {
		return model.Result{}, err
	}
	spec := fmt.Sprintf("%d:%d:%d", newIndex, startSector, endSector)
	if _, err := e.runner.Run(ctx, "sgdisk", "--new", spec, disk); err != nil {
		return model.Result{}, toOpErr("sgdisk", err)
	}

	if err := e.store.Commit(); err != nil {
		return model.Result{}, model.ErrIo("journal", "could not clear copy journal", err)
	}
	e.bus.Progress(model.ProgressEvent{Phase: "copy", Percent: 100, Message: "copy complete"})

	return model.Result{OK: true, Details: map[string]interface{}{
		"sourcePartition": partition, "disk": disk, "destStart": alignedStart, "newIndex": newIndex,
	}}, nil
}

func nextPartitionIndex(ctx context.Context, runner *sidecar.Runner, disk string) (int, error) {
	out, err := runner.Run(ctx, "sgdisk", "-p", disk)
	if err != nil {
		return 0, toOpErr("sgdisk", err)
	}
	max := 0
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		var n int
		if _, scanErr := fmt.Sscanf(fields[0], "%d", &n); scanErr == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

// Resume continues an interrupted move or copy from the journal's
// lastCopied checkpoint (direction is always preserved across a resume,
// since it is fixed by the recorded src/dst offsets) and then finishes
// the partition-table edit the original call would have made once the
// copy completed, so a crash between the last checkpoint and the table
// edit doesn't leave copied data orphaned under the old entry.
// sectorSize is the device's logical sector size, refetched by the
// caller at resume time since the journal record only carries the
// copy-loop buffer size, not the sgdisk sector unit.
func (e *Engine) Resume(ctx context.Context, rec model.JournalRecord, sectorSize int64) error {
	remaining := rec.SizeBytes - rec.LastCopied
	if remaining > 0 {
		srcOffset := rec.SrcOffset + rec.LastCopied
		dstOffset := rec.DstOffset + rec.LastCopied
		if err := e.copyBlocks(ctx, rec.Disk, srcOffset, dstOffset, remaining, true); err != nil {
			return err
		}
	}

	switch rec.Operation {
	case model.JournalMove:
		_, num, err := partitionNumber(rec.Device)
		if err != nil {
			return model.ErrInvalidInput("partitionIdentifier", err.Error())
		}
		startSector := rec.DstOffset / sectorSize
		endSector := (rec.DstOffset+rec.SizeBytes)/sectorSize - 1
		spec := fmt.Sprintf("%d:%d:%d", num, startSector, endSector)
		if _, err := e.runner.Run(ctx, "sgdisk", "--delete", fmt.Sprint(num), "--new", spec, rec.Disk); err != nil {
			return toOpErr("sgdisk", err)
		}
	case model.JournalCopy:
		startSector := rec.DstOffset / sectorSize
		endSector := (rec.DstOffset+rec.SizeBytes)/sectorSize - 1
		newIndex, err := nextPartitionIndex(ctx, e.runner, rec.Disk)
		if err != nil {
			return err
		}
		spec := fmt.Sprintf("%d:%d:%d", newIndex, startSector, endSector)
		if _, err := e.runner.Run(ctx, "sgdisk", "--new", spec, rec.Disk); err != nil {
			return toOpErr("sgdisk", err)
		}
	}

	return e.store.Commit()
}

// copyBlocks performs the crash-safe, direction-aware raw copy: when the
// destination sits after the source and the ranges could overlap, copy
// backward (highest offset first) so the read cursor never catches up to
// already-overwritten data; otherwise copy forward.
func (e *Engine) copyBlocks(ctx context.Context, disk string, srcOffset, dstOffset, size int64, useJournal bool) error {
	reader, err := os.OpenFile(disk, os.O_RDONLY, 0)
	if err != nil {
		return model.ErrIo("open-source", "could not open disk for reading", err)
	}
	defer reader.Close()
	writer, err := os.OpenFile(disk, os.O_WRONLY, 0)
	if err != nil {
		return model.ErrIo("open-target", "could not open disk for writing", err)
	}
	defer writer.Close()

	buffer := make([]byte, e.copyBufferSize)
	var copied int64
	const progressStep = 50 * 1024 * 1024
	nextProgress := int64(progressStep)

	checkpoint := func() error {
		if e.bus.Cancelled() {
			return model.ErrCancelled()
		}
		if copied >= nextProgress {
			percent := (float64(copied) / float64(size)) * 100
			e.bus.Progress(model.ProgressEvent{Phase: "move", Percent: percent, Message: "copying blocks", Bytes: copied, TotalBytes: size})
			if useJournal {
				e.store.Checkpoint(copied, false)
			}
			nextProgress += progressStep
		}
		return nil
	}

	if dstOffset > srcOffset {
		position := size
		for position > 0 {
			chunk := int64(len(buffer))
			if position < chunk {
				chunk = position
			}
			position -= chunk
			readPos := srcOffset + position
			writePos := dstOffset + position
			if err := readAt(reader, buffer[:chunk], readPos); err != nil {
				return model.ErrIo("read", "block copy read failed", err)
			}
			if err := writeAt(writer, buffer[:chunk], writePos); err != nil {
				return model.ErrIo("write", "block copy write failed", err)
			}
			copied += chunk
			if err := checkpoint(); err != nil {
				return err
			}
		}
	} else {
		var position int64
		for position < size {
			chunk := int64(len(buffer))
			if size-position < chunk {
				chunk = size - position
			}
			readPos := srcOffset + position
			writePos := dstOffset + position
			if err := readAt(reader, buffer[:chunk], readPos); err != nil {
				return model.ErrIo("read", "block copy read failed", err)
			}
			if err := writeAt(writer, buffer[:chunk], writePos); err != nil {
				return model.ErrIo("write", "block copy write failed", err)
			}
			position += chunk
			copied += chunk
			if err := checkpoint(); err != nil {
				return err
			}
		}
	}

	if useJournal {
		e.store.Checkpoint(copied, true)
	}
	return nil
}

func readAt(f *os.File, buf []byte, offset int64) error {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(f, buf)
	return err
}

func writeAt(f *os.File, buf []byte, offset int64) error {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err := f.Write(buf)
	return err
}

// partitionNumber splits a partition device path into its parent disk and
// partition number, handling the nvme "pN" suffix convention.
func partitionNumber(partition string) (disk string, num int, err error) {
	trimmed := strings.TrimPrefix(partition, "/dev/")
	i := len(trimmed)
	for i > 0 && trimmed[i-1] >= '0' && trimmed[i-1] <= '9' {
		i--
	}
	if i == len(trimmed) {
		return "", 0, fmt.Errorf("no partition number in %q", partition)
	}
	numStr := trimmed[i:]
	diskName := strings.TrimSuffix(trimmed[:i], "p")
	n := 0
	fmt.Sscanf(numStr, "%d", &n)
	return "/dev/" + diskName, n, nil
}

func toOpErr(binary string, err error) error {
	if oe, ok := err.(*model.OpError); ok {
		return oe
	}
	return model.ErrSubprocessFailed(binary, -1, err.Error())
}

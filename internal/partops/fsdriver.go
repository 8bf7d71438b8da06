package partops

import "fmt"

// Command is an external binary invocation with its arguments, returned by
// a Driver's *Command methods for the caller to run through a
// sidecar.Runner.
type Command struct {
	Binary string
	Args   []string
}

// Driver captures the external-tool contract for one filesystem family:
// how to make it, relabel it, and reassign its UUID. Mirrors
// original_source's FileSystemDriver trait one driver per fs.
type Driver struct {
	ID                    string
	MkfsCommand           func(device, label string) (Command, bool)
	LabelCommand          func(device, label string) (Command, bool)
	UUIDCommand           func(device, uuid string) (Command, bool)
	MaxLabelLen           int
	LabelCharset          string // "" means unrestricted
	SupportsUUID          bool
	ExperimentalResize    bool
}

var drivers = map[string]Driver{
	"ext4": {
		ID:          "ext4",
		MkfsCommand: func(d, l string) (Command, bool) { return Command{"mkfs.ext4", []string{"-F", "-L", l, d}}, true },
		LabelCommand: func(d, l string) (Command, bool) { return Command{"e2label", []string{d, l}}, true },
		UUIDCommand: func(d, u string) (Command, bool) { return Command{"tune2fs", []string{"-U", u, d}}, true },
		MaxLabelLen:  32,
		SupportsUUID: true,
	},
	"ntfs": {
		ID:          "ntfs",
		MkfsCommand: func(d, l string) (Command, bool) { return Command{"mkfs.ntfs", []string{"-F", "-L", l, d}}, true },
		LabelCommand: func(d, l string) (Command, bool) { return Command{"ntfslabel", []string{d, l}}, true },
		MaxLabelLen:  32,
	},
	"fat32": {
		ID:          "fat32",
		MkfsCommand: func(d, l string) (Command, bool) { return Command{"mkfs.vfat", []string{"-F", "32", "-n", l, d}}, true },
		MaxLabelLen:  11,
		LabelCharset: "upper",
	},
	"exfat": {
		ID:          "exfat",
		MkfsCommand: func(d, l string) (Command, bool) { return Command{"mkfs.exfat", []string{"-n", l, d}}, true },
		LabelCommand: func(d, l string) (Command, bool) { return Command{"exfatlabel", []string{d, l}}, true },
		MaxLabelLen:  15,
	},
	"btrfs": {
		ID:          "btrfs",
		MkfsCommand: func(d, l string) (Command, bool) { return Command{"mkfs.btrfs", []string{"-f", "-L", l, d}}, true },
		LabelCommand: func(d, l string) (Command, bool) { return Command{"btrfs", []string{"filesystem", "label", d, l}}, true },
		MaxLabelLen:  255,
	},
	"xfs": {
		ID:          "xfs",
		MkfsCommand: func(d, l string) (Command, bool) { return Command{"mkfs.xfs", []string{"-f", "-L", l, d}}, true },
		LabelCommand: func(d, l string) (Command, bool) { return Command{"xfs_admin", []string{"-L", l, d}}, true },
		MaxLabelLen:  12,
	},
	"f2fs": {
		ID:          "f2fs",
		MkfsCommand: func(d, _ string) (Command, bool) { return Command{"mkfs.f2fs", []string{d}}, true },
	},
	"swap": {
		ID:          "swap",
		MkfsCommand: func(d, l string) (Command, bool) { return Command{"mkswap", []string{"-L", l, d}}, true },
		LabelCommand: func(d, l string) (Command, bool) { return Command{"swaplabel", []string{"-L", l, d}}, true },
		UUIDCommand: func(d, u string) (Command, bool) { return Command{"swaplabel", []string{"-U", u, d}}, true },
		SupportsUUID: true,
	},
	// apfs has no MkfsCommand/LabelCommand here: container and volume
	// creation, rename, and UUID changes all go through diskutil apfs
	// subcommands in apfs.go, not a generic mkfs/relabel binary. This entry
	// exists purely to carry the label policy so ValidateLabel accepts
	// apfs labels instead of rejecting them as an unknown filesystem.
	"apfs": {
		ID:          "apfs",
		MaxLabelLen: 32,
	},
}

// DriverFor returns the Driver for a filesystem id.
func DriverFor(fs string) (Driver, bool) {
	d, ok := drivers[fs]
	return d, ok
}

// gptTypeCodes maps a filesystem family to the sgdisk --typecode value
// used when creating or repurposing a partition, per the original helper's
// set_partition_typecode.
var gptTypeCodes = map[string]string{
	"ext4":  "8300",
	"ntfs":  "0700",
	"fat32": "0700",
	"exfat": "0700",
	"btrfs": "8300",
	"xfs":   "8300",
	"f2fs":  "8300",
	"swap":  "8200",
}

// GPTTypeCode returns the sgdisk type code for fs, or an error if unknown.
func GPTTypeCode(fs string) (string, error) {
	code, ok := gptTypeCodes[fs]
	if !ok {
		return "", fmt.Errorf("no GPT type code known for filesystem %q", fs)
	}
	return code, nil
}

// ValidateLabel enforces the per-fs label policy (§4.G's table).
func ValidateLabel(fs, label string) error {
	d, ok := DriverFor(fs)
	if !ok {
		return fmt.Errorf("unknown filesystem %q", fs)
	}
	if d.MaxLabelLen > 0 && len(label) > d.MaxLabelLen {
		return fmt.Errorf("%s label must be at most %d characters", fs, d.MaxLabelLen)
	}
	if d.LabelCharset == "upper" {
		for _, r := range label {
			if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == ' ' || r == '_' || r == '-') {
				return fmt.Errorf("%s label must be uppercase [A-Z0-9 _-]", fs)
			}
		}
	}
	return nil
}

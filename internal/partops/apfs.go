package partops

import (
	"context"
	"strings"

	"howett.net/plist"

	"github.com/oxidisk/oxidiskd/internal/model"
)

// diskutilAPFSList mirrors the subset of `diskutil apfs list -plist`
// fields used by the original's apfs handlers. diskutil's -plist output
// is a binary/XML property list, not JSON, hence the plist struct tags
// (the same tags aws-ec2-macos-utils' diskutil.DiskInfo uses for
// `diskutil info -plist`).
type diskutilAPFSList struct {
	Containers []diskutilAPFSContainer `plist:"Containers"`
}

type diskutilAPFSContainer struct {
	ContainerReference string               `plist:"ContainerReference"`
	CapacityCeiling    int64                `plist:"CapacityCeiling"`
	Volumes            []diskutilAPFSVolume `plist:"Volumes"`
}

type diskutilAPFSVolume struct {
	DeviceIdentifier string `plist:"DeviceIdentifier"`
	Name             string `plist:"Name"`
	CapacityInUse    int64  `plist:"CapacityInUse"`
}

// ListVolumes enumerates APFS containers and their volumes. Only
// meaningful on darwin; elsewhere it returns an Unsupported error since
// APFS containers do not exist outside Apple platforms.
func (o *Ops) ListVolumes(ctx context.Context) ([]model.Container, error) {
	out, err := o.runner.Run(ctx, "diskutil", "apfs", "list", "-plist")
	if err != nil {
		return nil, toOpError("diskutil", err)
	}

	var parsed diskutilAPFSList
	if _, plistErr := plist.Unmarshal([]byte(out), &parsed); plistErr != nil {
		return nil, model.ErrIo("apfs-list", "could not parse diskutil apfs list output", plistErr)
	}

	var containers []model.Container
	for _, c := range parsed.Containers {
		container := model.Container{
			Identifier:    c.ContainerReference,
			CapacityBytes: c.CapacityCeiling,
		}
		for _, v := range c.Volumes {
			vol := model.Volume{
				Identifier: v.DeviceIdentifier,
				Name:       v.Name,
				UsedBytes:  v.CapacityInUse,
				Roles:      []model.Role{classifyAPFSRole(v.Name)},
			}
			container.Volumes = append(container.Volumes, vol)
		}
		containers = append(containers, container)
	}
	return containers, nil
}

// AddVolume adds a new volume to an existing APFS container.
func (o *Ops) AddVolume(ctx context.Context, containerRef, name, fs string) (model.Result, error) {
	if name == "" {
		return model.Result{}, model.ErrInvalidInput("name", "volume name is required")
	}
	fsArg := "APFS"
	if fs != "" {
		fsArg = diskutilFSName(fs)
	}
	if _, err := o.runner.Run(ctx, "diskutil", "apfs", "addVolume", containerRef, fsArg, name); err != nil {
		return model.Result{}, toOpError("diskutil", err)
	}
	return model.Result{OK: true, Details: map[string]interface{}{"container": containerRef, "name": name}}, nil
}

// DeleteVolume deletes an APFS volume, refusing when the volume resolves
// to a protected role (System/Preboot/Recovery containers must never be
// deleted through this path).
func (o *Ops) DeleteVolume(ctx context.Context, volume model.Volume, protectedRoles map[model.Role]bool) (model.Result, error) {
	if volume.IsProtected(protectedRoles) {
		return model.Result{}, model.ErrProtected(model.ProtectionSystem)
	}
	volumeRef := volume.Identifier
	if _, err := o.runner.Run(ctx, "diskutil", "apfs", "deleteVolume", volumeRef); err != nil {
		return model.Result{}, toOpError("diskutil", err)
	}
	return model.Result{OK: true, Details: map[string]interface{}{"volume": volumeRef}}, nil
}

func classifyAPFSRole(name string) model.Role {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "preboot"):
		return model.RolePreboot
	case strings.Contains(lower, "recovery"):
		return model.RoleRecovery
	case strings.Contains(lower, "vm") || strings.Contains(lower, "swap"):
		return model.RoleVM
	case strings.Contains(lower, "macintosh hd") || strings.Contains(lower, "system"):
		return model.RoleSystem
	default:
		return model.RoleData
	}
}

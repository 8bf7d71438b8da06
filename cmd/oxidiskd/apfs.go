package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oxidisk/oxidiskd/internal/model"
	"github.com/oxidisk/oxidiskd/internal/preflight"
	"github.com/oxidisk/oxidiskd/internal/progressbus"
	"github.com/oxidisk/oxidiskd/internal/sizefmt"
)

var apfsCmd = &cobra.Command{
	Use:   "apfs",
	Short: "Inspect and mutate APFS containers and volumes",
}

func init() {
	apfsCmd.AddCommand(apfsListCmd, apfsAddCmd, apfsDeleteCmd)
}

// protectedRoleSet converts the configured protected-role names into the
// map[model.Role]bool that Volume.IsProtected and DeleteVolume expect.
func protectedRoleSet(a *app) map[model.Role]bool {
	set := make(map[model.Role]bool, len(a.cfg.ProtectedRoles))
	for _, name := range a.cfg.ProtectedRoles {
		set[model.Role(name)] = true
	}
	return set
}

var apfsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List APFS containers and their volumes",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		containers, err := a.ops.ListVolumes(context.Background())
		if err != nil {
			exitErr(err)
		}
		if wantJSON() {
			printJSON(containers)
			return
		}
		protected := protectedRoleSet(a)
		for _, c := range containers {
			fmt.Printf("%s  %10s free / %10s\n", c.Identifier, sizefmt.Human(c.FreeBytes), sizefmt.Human(c.CapacityBytes))
			for _, v := range c.Volumes {
				marker := ""
				if v.IsProtected(protected) {
					marker = " [protected]"
				}
				fmt.Printf("  %-18s %-20s %10s  %s%s\n", v.Identifier, v.Name, sizefmt.Human(v.SizeBytes), v.MountPoint, marker)
			}
		}
	},
}

var (
	addVolumeName string
	addVolumeFS   string
)

var apfsAddCmd = &cobra.Command{
	Use:   "add <container>",
	Short: "Add a volume to an APFS container",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		req := preflight.Request{Operation: "create", Target: args[0], FS: addVolumeFS}
		runDestructive(a, "apfs_add", req, func(ctx context.Context, bus *progressbus.Bus) (model.Result, error) {
			return a.ops.AddVolume(ctx, args[0], addVolumeName, addVolumeFS)
		})
	},
}

func init() {
	apfsAddCmd.Flags().StringVar(&addVolumeName, "name", "", "volume name")
	apfsAddCmd.Flags().StringVar(&addVolumeFS, "fs", "apfs", "volume filesystem")
	apfsAddCmd.MarkFlagRequired("name")
}

var apfsDeleteCmd = &cobra.Command{
	Use:   "delete <volume>",
	Short: "Delete an APFS volume",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		ctx := context.Background()

		containers, err := a.ops.ListVolumes(ctx)
		if err != nil {
			exitErr(err)
		}
		protected := protectedRoleSet(a)
		var target *model.Volume
		for _, c := range containers {
			for i := range c.Volumes {
				if c.Volumes[i].Identifier == args[0] {
					target = &c.Volumes[i]
				}
			}
		}
		if target == nil {
			exitErr(fmt.Errorf("volume %s not found", args[0]))
		}

		req := preflight.Request{
			Operation:   "delete",
			Target:      args[0],
			IsProtected: target.IsProtected(protected),
		}
		if req.IsProtected {
			req.ProtectionReason = model.ProtectionSystem
		}
		runDestructive(a, "apfs_delete", req, func(ctx context.Context, bus *progressbus.Bus) (model.Result, error) {
			return a.ops.DeleteVolume(ctx, *target, protected)
		})
	},
}

package main

import (
	"os"

	"github.com/spf13/cobra"
)

var helperCmd = &cobra.Command{
	Use:   "helper",
	Short: "Manage the privileged sudoers fragment",
}

func init() {
	helperCmd.AddCommand(helperInstallSudoersCmd, helperRemoveSudoersCmd)
}

var installYes bool

var helperInstallSudoersCmd = &cobra.Command{
	Use:   "install-sudoers <helper-path>",
	Short: "Install a NOPASSWD sudoers fragment for the given helper binary",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		result, err := a.sudoers.Install(args[0], !installYes)
		if err != nil {
			exitErr(err)
		}
		printJSON(result)
	},
}

func init() {
	helperInstallSudoersCmd.Flags().BoolVar(&installYes, "yes", false, "skip the interactive confirmation prompt")
}

var helperRemoveSudoersCmd = &cobra.Command{
	Use:   "remove-sudoers",
	Short: "Remove the sudoers fragment",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		if err := a.sudoers.Remove(); err != nil {
			exitErr(err)
		}
		os.Stdout.WriteString("removed\n")
	},
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oxidisk/oxidiskd/internal/model"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect, resume, and clear the crash-recovery journal",
}

func init() {
	journalCmd.AddCommand(journalShowCmd, journalResumeCmd, journalClearCmd)
}

var journalShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the pending journal record, if any",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		rec, err := a.dispatcher.PendingJournal()
		if err != nil {
			exitErr(err)
		}
		if rec == nil {
			if wantJSON() {
				printJSON(nil)
				return
			}
			fmt.Println("no pending journal record")
			return
		}
		printJSON(rec)
	},
}

var journalResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an interrupted move or copy from its last checkpoint",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		ctx := context.Background()

		rec, err := a.dispatcher.PendingJournal()
		if err != nil {
			exitErr(err)
		}
		if rec == nil {
			fmt.Println("no pending journal record")
			return
		}
		if rec.Operation != model.JournalMove && rec.Operation != model.JournalCopy {
			exitErr(model.ErrUnsupported(fmt.Sprintf("resume is only supported for move/copy, journal holds %q; use check --repair instead", rec.Operation)))
		}

		sectorSize := a.inspector.LogicalSectorSize(ctx, rec.Disk)
		if err := a.resize.Resume(ctx, *rec, sectorSize); err != nil {
			exitErr(err)
		}
		if !wantJSON() {
			fmt.Println("resume complete")
		} else {
			printJSON(map[string]bool{"resumed": true})
		}
	},
}

var journalClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard the pending journal record without resuming it",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()
		if err := a.store.Abort(); err != nil {
			exitErr(err)
		}
		if !wantJSON() {
			fmt.Println("journal cleared")
		} else {
			printJSON(map[string]bool{"cleared": true})
		}
	},
}

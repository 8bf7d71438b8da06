package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/oxidisk/oxidiskd/internal/model"
)

// wantJSON reports whether output should be JSON: forced by --json, or
// chosen automatically when stdout is not a terminal (piped into another
// tool), mirroring the teacher's detail.go --json flag but defaulting on
// non-tty the way a well-behaved CLI should.
func wantJSON() bool {
	return jsonOutput || !isatty.IsTerminal(os.Stdout.Fd())
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "error encoding output: %v\n", err)
		os.Exit(1)
	}
}

// printResult renders a model.Result either as JSON or as a short table
// line, depending on wantJSON.
func printResult(res model.Result) {
	if wantJSON() {
		printJSON(res)
		return
	}
	status := "ok"
	if !res.OK {
		status = "failed"
	}
	fmt.Printf("%s\n", status)
	for k, v := range res.Details {
		fmt.Printf("  %-20s %v\n", k, v)
	}
	for _, w := range res.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
}

// printVerdict renders a preflight verdict for the `partitions preflight`
// command.
func printVerdict(v model.Verdict) {
	if wantJSON() {
		printJSON(v)
		return
	}
	if v.OK {
		fmt.Println("preflight: OK")
	} else {
		fmt.Println("preflight: BLOCKED")
	}
	for _, b := range v.Blockers {
		fmt.Printf("  blocker: %s\n", b)
	}
	for _, w := range v.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	for _, s := range v.Sidecars {
		fmt.Printf("  sidecar: %-16s found=%v path=%s\n", s.Name, s.Found, s.Path)
	}
}

// exitErr prints err to stderr, unpacking a *model.OpError into its Kind and
// Details for a more actionable message, and exits 1.
func exitErr(err error) {
	if err == nil {
		return
	}
	if wantJSON() {
		if oe, ok := err.(*model.OpError); ok {
			printJSON(map[string]interface{}{"error": oe.Kind, "message": oe.Message, "details": oe.Details})
			os.Exit(1)
		}
		printJSON(map[string]interface{}{"error": "Unknown", "message": err.Error()})
		os.Exit(1)
	}
	if oe, ok := err.(*model.OpError); ok {
		fmt.Fprintf(os.Stderr, "%s: %s\n", oe.Kind, oe.Message)
		for k, v := range oe.Details {
			fmt.Fprintf(os.Stderr, "  %-12s %v\n", k, v)
		}
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

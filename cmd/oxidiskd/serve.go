package main

import (
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/oxidisk/oxidiskd/internal/progressbus"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve progress/log events over a websocket for UI clients",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()

		hub := progressbus.NewHub(a.bus, a.log)
		mux := http.NewServeMux()
		mux.Handle("/events", hub)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		go watchJournalDir(a)

		a.log.Infow("listening", "addr", serveAddr)
		if err := http.ListenAndServe(serveAddr, mux); err != nil {
			exitErr(err)
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8737", "address to listen on")
}

// watchJournalDir logs a warning line onto the bus whenever the journal
// file changes outside of a run this process itself dispatched, so a UI
// watching /events notices another process (or a crash) touching recovery
// state. A missing directory only means the journal hasn't been written
// yet; that isn't fatal to serve.
func watchJournalDir(a *app) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.log.Warnw("journal watch disabled", "err", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(a.cfg.Journal.Path)
	if err := watcher.Add(dir); err != nil {
		a.log.Warnw("journal watch disabled", "dir", dir, "err", err)
		return
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(a.cfg.Journal.Path) {
				continue
			}
			a.bus.Log("journal", fmt.Sprintf("journal changed: %s at %s", ev.Op, time.Now().Format(time.RFC3339)))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.log.Warnw("journal watch error", "err", err)
		}
	}
}

// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Thermoquad/heliolink/pkg/journal"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const historyDebounce = 200 * time.Millisecond

var (
	historyLimit  int
	historyFollow bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List commands recorded in the sender's journal",
	Long: `Show the most recent commands sent from this machine, newest first, with
their sequence number, origin, attempts and whether they were acknowledged.

With --follow the list is printed again whenever the journal changes.`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of entries to show")
	historyCmd.Flags().BoolVarP(&historyFollow, "follow", "f", false, "Print again when the journal changes")
}

func runHistory(cmd *cobra.Command, args []string) error {
	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := printHistory(ctx, j); err != nil {
		return err
	}
	if !historyFollow {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// The WAL and shared-memory files change too, so watch the directory
	dir, base := filepath.Split(j.Path())
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	debounce := time.NewTimer(historyDebounce)
	debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if strings.HasPrefix(filepath.Base(event.Name), base) && event.Has(fsnotify.Write|fsnotify.Create) {
				debounce.Reset(historyDebounce)
			}

		case <-debounce.C:
			fmt.Println()
			if err := printHistory(ctx, j); err != nil {
				return err
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("watcher error")
		}
	}
}

func printHistory(ctx context.Context, j *journal.Journal) error {
	entries, err := j.Recent(ctx, historyLimit)
	if err != nil {
		return err
	}

	fmt.Printf("%-19s %6s %-12s %4s %-5s %8s %8s  %s\n", "TIME", "SEQ", "COMMAND", "MIN", "FROM", "ATTEMPTS", "ELAPSED", "RESULT")
	for _, e := range entries {
		result := "acked"
		if !e.Acked {
			result = e.Error
		}
		minutes := "-"
		if e.Minutes > 0 {
			minutes = fmt.Sprint(e.Minutes)
		}
		fmt.Printf("%-19s %6d %-12s %4s %-5s %8d %8s  %s\n",
			e.Time.Local().Format("2006-01-02 15:04:05"), e.Seq, e.Kind, minutes, e.Source,
			e.Attempts, e.Elapsed.Round(time.Millisecond), result)
	}
	if len(entries) == 0 {
		fmt.Println("(no commands recorded)")
	}
	return nil
}

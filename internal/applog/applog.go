// Package applog wires process-level logging: a stdlib logger for
// stdout/stderr, plus a best-effort journald mirror for deployment terminal
// events. Mirrors the teacher's CreateJournaldLog/logError split
// (EvSecDev-SCMP controller, exception_handling.go) without the teacher's
// os.Exit(1) — this process is a long-running service, not a one-shot CLI.
package applog

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
)

// New builds the process logger used throughout the engine and HTTP facade.
func New(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix, log.LstdFlags|log.LUTC)
}

// Journal sends a one-line entry to journald at the given priority ("info"
// or "err"). Absence of a journald socket (non-systemd hosts, dev boxes) is
// swallowed, never surfaced — this is a secondary log channel.
func Journal(message string, priority string) {
	var pri journal.Priority
	switch priority {
	case "err":
		pri = journal.PriErr
	case "info":
		pri = journal.PriInfo
	default:
		return
	}
	err := journal.Send(message, pri, nil)
	if err != nil && !strings.Contains(err.Error(), "could not initialize socket") {
		fmt.Fprintf(os.Stderr, "applog: journald send failed: %v\n", err)
	}
}

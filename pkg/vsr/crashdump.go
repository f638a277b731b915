package vsr

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kimberlitedb/kimberlite/pkg/kernel"
)

// CrashDump is the diagnostic record written when a replica halts after
// an invariant violation (spec §7: "fatal; the replica halts and emits a
// crash dump rather than risk divergence"). It captures exactly enough to
// let an operator reproduce the failing (view, op, command) against
// pkg/vopr's simulation harness.
type CrashDump struct {
	Replica   ReplicaID
	View      View
	Op        OpNumber
	Commit    OpNumber
	Message   string
	Timestamp string
}

// Write renders the dump as a small text file under dir, named by replica
// and op so multiple halts don't clobber each other.
func (d CrashDump) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	var path = filepath.Join(dir, fmt.Sprintf("crash-replica%d-op%d.txt", d.Replica, d.Op))
	var contents = fmt.Sprintf(
		"replica: %d\nview: %d\nop: %d\ncommit: %d\ntime: %s\nmessage: %s\n",
		d.Replica, d.View, d.Op, d.Commit, d.Timestamp, d.Message)
	return path, os.WriteFile(path, []byte(contents), 0o644)
}

// applyAndRecoverLocked calls kernel.Apply, converting a panicking
// InvariantViolation (a bug in the kernel itself, per pkg/kernel/assert.go)
// into a halt plus an on-disk crash dump, rather than letting it escape
// and crash the whole process. An ordinary returned error from Apply (a
// well-formed business rejection, e.g. OffsetMismatch) is not a crash: it
// is returned to the caller unchanged, to be cached as a normal
// CommandResult.Err.
func (r *Replica) applyAndRecoverLocked(entry LogEntry) (newState *kernel.State, effects kernel.Effects, err error, fatal bool) {
	defer func() {
		if rec := recover(); rec != nil {
			var iv, ok = rec.(kernel.InvariantViolation)
			var message string
			if ok {
				message = iv.Error()
			} else {
				message = fmt.Sprintf("%v", rec)
			}
			fatal = true
			err = &InvariantViolation{Message: "kernel panicked applying committed command", Cause: fmt.Errorf(message)}

			var dump = CrashDump{
				Replica:   r.cfg.Self,
				View:      entry.View,
				Op:        entry.Op,
				Commit:    r.commit,
				Message:   message,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}
			var path, dumpErr = dump.Write(r.cfg.DataDir)
			if dumpErr != nil {
				log.WithError(dumpErr).Error("vsr: failed to write crash dump")
			} else {
				log.WithFields(log.Fields{"path": path, "op": entry.Op}).Error("vsr: wrote crash dump after invariant violation")
			}
		}
	}()

	newState, effects, err = kernel.Apply(r.state, entry.Command)
	return newState, effects, err, false
}

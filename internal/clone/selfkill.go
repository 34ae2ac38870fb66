//go:build linux || darwin

package clone

import (
	"os"
	"syscall"
	"time"

	"github.com/cloneops/mongoclone/internal/log"
)

// selfKillGrace is the pause between the cooperative process-group kill
// attempt and the unconditional self-kill.
const selfKillGrace = 15 * time.Second

// EmergencySelfKill is the terminal action taken when a DB Client's retry
// budget is exhausted: attempt cooperative termination of the process
// group, pause briefly, then send an unconditional kill to the current
// process. This is fatal by design — the engine assumes an
// operator-supervised restart.
func EmergencySelfKill(lg *log.Event) {
	pgid := syscall.Getpgrp()
	lg.Critical("retry budget exhausted; killing process group %d", pgid)
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	time.Sleep(selfKillGrace)

	lg.Critical("process group termination did not stop us; self-killing")
	_ = syscall.Kill(os.Getpid(), syscall.SIGKILL)
}

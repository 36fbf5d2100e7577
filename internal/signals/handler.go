// Package signals handles PID-1 duties inside the container.
package signals

import (
	"context"
	"log/slog"
	"os"
	"syscall"
	"time"
)

// ReapZombies reaps defunct child processes until ctx is cancelled.
// This is critical when running as PID 1 in a container: without it,
// orphaned children accumulate and can exhaust PIDs.
func ReapZombies(ctx context.Context, log *slog.Logger) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reapAll(log)
		case <-ctx.Done():
			return
		}
	}
}

// reapAll reaps every currently-waitable zombie.
func reapAll(log *slog.Logger) {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			break
		}

		log.Debug("Reaped zombie process",
			"pid", pid,
			"status", status,
		)
	}
}

// IsPID1 returns true if the current process is PID 1.
func IsPID1() bool {
	return os.Getpid() == 1
}

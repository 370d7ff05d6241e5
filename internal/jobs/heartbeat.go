// Marketwatch is a Steam Community Market monitoring service.
// Copyright (C) 2026 Marketwatch Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package jobs

import (
	"context"
	"log/slog"
	"time"
)

// heartbeat keeps the task lock alive while a job runs. It stops when
// done closes or ctx ends, and aborts the job when an extend reports
// the lock gone: whoever deleted it may already be re-running the task.
// EXPIRE on a missing key is a no-op, so a lost lock is never revived.
func (w *Worker) heartbeat(ctx context.Context, taskID int64, done <-chan struct{}, abort context.CancelFunc, log *slog.Logger) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.coord.ExtendLock(ctx, taskID)
			if err != nil {
				// Survivable as long as one extend lands within the
				// lock TTL.
				log.Warn("lock heartbeat failed", "error", err)
				continue
			}
			if !ok {
				log.Warn("task lock disappeared, aborting job")
				abort()
				return
			}
		}
	}
}

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

package admin

import (
	"net/http"
	"time"
)

// handleStats serves the aggregate snapshot. Durable counters come from
// the store; queue depth and the blocked-proxy count live in Redis and
// are overlaid best effort.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}

	ready, _, _, err := s.queue.Depth(r.Context())
	if err != nil {
		s.logger.Warn("queue depth unavailable", "error", err)
	} else {
		stats.QueueDepth = ready
	}

	if _, blocked, _, err := s.pool.Counts(r.Context()); err != nil {
		s.logger.Warn("proxy block counts unavailable", "error", err)
	} else {
		stats.Proxies.Blocked = int64(blocked)
	}

	s.writeJSON(w, http.StatusOK, stats)
}

type queueStats struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
	Dead    int64 `json:"dead"`
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	ready, delayed, dead, err := s.queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("queue depth failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, queueStats{Ready: ready, Delayed: delayed, Dead: dead})
}

// deadLetterView exposes a parked message for inspection. Payload stays
// a string: a message can land here precisely because it failed to
// decode.
type deadLetterView struct {
	StreamID   string    `json:"stream_id"`
	OriginalID string    `json:"original_id,omitempty"`
	Error      string    `json:"error"`
	DeadAt     time.Time `json:"dead_at"`
	Payload    string    `json:"payload"`
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r, 50, 500)
	letters, err := s.queue.DeadLetters(r.Context(), int64(limit))
	if err != nil {
		s.logger.Error("dead letters failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}
	out := make([]deadLetterView, 0, len(letters))
	for _, dl := range letters {
		out = append(out, deadLetterView{
			StreamID:   dl.StreamID,
			OriginalID: dl.OriginalID,
			Error:      dl.Error,
			DeadAt:     dl.DeadAt,
			Payload:    dl.Payload,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

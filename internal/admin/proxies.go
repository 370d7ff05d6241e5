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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"marketwatch/internal/proxypool"
	"marketwatch/pkg/models"
)

// proxyView is a stored proxy with its volatile block state merged in.
type proxyView struct {
	models.Proxy
	Blocked bool `json:"blocked"`
}

// proxyAddResponse reports whether the URL was new or already known.
type proxyAddResponse struct {
	models.Proxy
	Added bool `json:"added"`
}

func (s *Server) handleAddProxy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	id, added, err := s.pool.Add(r.Context(), req.URL)
	if err != nil {
		s.storeError(w, err)
		return
	}
	proxy, err := s.store.GetProxy(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}

	status := http.StatusOK
	if added {
		status = http.StatusCreated
		s.logger.Info("proxy added", "proxy_id", id, "url", proxy.URL)
	}
	s.writeJSON(w, status, proxyAddResponse{Proxy: *proxy, Added: added})
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if raw := r.URL.Query().Get("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid active parameter")
			return
		}
		activeOnly = v
	}
	proxies, err := s.store.ListProxies(r.Context(), activeOnly)
	if err != nil {
		s.storeError(w, err)
		return
	}

	ids := make([]int64, 0, len(proxies))
	for _, p := range proxies {
		ids = append(ids, p.ID)
	}
	blocked, err := s.coord.BlockedSet(r.Context(), ids)
	if err != nil {
		// Block markers are advisory; the durable fields still serve.
		s.logger.Warn("block markers unavailable", "error", err)
		blocked = map[int64]bool{}
	}

	out := make([]proxyView, 0, len(proxies))
	for _, p := range proxies {
		out = append(out, proxyView{Proxy: *p, Blocked: blocked[p.ID]})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteProxy(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid proxy id")
		return
	}
	if err := s.pool.Remove(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("proxy removed", "proxy_id", id)
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleUnblockProxy(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid proxy id")
		return
	}
	if _, err := s.store.GetProxy(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	if err := s.pool.Unblock(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("proxy unblocked", "proxy_id", id)
	s.writeJSON(w, http.StatusNoContent, nil)
}

// handleActivateProxy re-enables a proxy the failure rule deactivated.
// Health scans only probe active proxies, so this is the one way back
// into the fleet.
func (s *Server) handleActivateProxy(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid proxy id")
		return
	}
	if _, err := s.store.GetProxy(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	if err := s.pool.Activate(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	proxy, err := s.store.GetProxy(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("proxy reactivated", "proxy_id", id)
	s.writeJSON(w, http.StatusOK, proxy)
}

func (s *Server) handleDedupeProxies(w http.ResponseWriter, r *http.Request) {
	removed, err := s.pool.Deduplicate(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleScanProxies(w http.ResponseWriter, r *http.Request) {
	report, err := s.pool.HealthScan(r.Context(), s.scanConcurrency)
	if err != nil {
		if errors.Is(err, proxypool.ErrScanRunning) {
			s.writeError(w, http.StatusConflict, "a health scan is already running")
			return
		}
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

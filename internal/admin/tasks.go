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
	"net/http"
	"strconv"

	"marketwatch/internal/queue"
	"marketwatch/internal/store"
	"marketwatch/pkg/models"
)

// defaultCheckInterval fills in for task payloads that omit one.
const defaultCheckInterval = 60

// taskRequest is the create payload. Filters may be a JSON object or a
// JSON-encoded string of one; both forms are normalized before storage.
type taskRequest struct {
	Name          string          `json:"name"`
	ItemName      string          `json:"item_name"`
	AppID         int             `json:"appid"`
	Currency      int             `json:"currency"`
	Filters       json.RawMessage `json:"filters"`
	CheckInterval int             `json:"check_interval"`
	IsActive      *bool           `json:"is_active"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}
	filters, err := models.ParseFilters(req.Filters)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CheckInterval == 0 {
		req.CheckInterval = defaultCheckInterval
	}

	task := &models.MonitoringTask{
		Name:          req.Name,
		ItemName:      req.ItemName,
		AppID:         req.AppID,
		Currency:      req.Currency,
		Filters:       filters,
		CheckInterval: req.CheckInterval,
		IsActive:      req.IsActive == nil || *req.IsActive,
	}
	if err := s.store.CreateTask(r.Context(), task); err != nil {
		s.storeError(w, err)
		return
	}

	// SQLite reuses rowids, so a lock left by a crashed run of a
	// deleted task could shadow the new one. Clear it.
	if err := s.coord.ReleaseLock(r.Context(), task.ID); err != nil {
		s.logger.Warn("stale lock not cleared", "task_id", task.ID, "error", err)
	}

	if task.IsActive {
		s.startRunner(r, task)
	}
	s.logger.Info("task created", "task_id", task.ID, "name", task.Name, "item_name", task.ItemName)
	s.writeJSON(w, http.StatusCreated, task)
}

// startRunner hands a fresh task to the scheduler, or enqueues one
// immediate check when no scheduler is wired in. The runner enqueues on
// start by itself, so the two paths are equivalent for the first check.
func (s *Server) startRunner(r *http.Request, task *models.MonitoringTask) {
	if s.runners != nil {
		s.runners.Add(task)
		return
	}
	msg := queue.Message{Type: queue.TypeParseTask, TaskID: task.ID, ItemName: task.ItemName}
	if raw, err := json.Marshal(task.Filters); err == nil {
		msg.Filters = raw
	}
	if err := s.queue.Enqueue(r.Context(), msg); err != nil {
		s.logger.Warn("initial check not enqueued", "task_id", task.ID, "error", err)
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if raw := r.URL.Query().Get("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid active parameter")
			return
		}
		activeOnly = v
	}
	tasks, err := s.store.ListTasks(r.Context(), activeOnly)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*models.MonitoringTask{}
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// taskPatch is the partial-update payload; nil fields stay untouched.
type taskPatch struct {
	Name          *string          `json:"name"`
	ItemName      *string          `json:"item_name"`
	AppID         *int             `json:"appid"`
	Currency      *int             `json:"currency"`
	Filters       *json.RawMessage `json:"filters"`
	CheckInterval *int             `json:"check_interval"`
	IsActive      *bool            `json:"is_active"`
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	var req taskPatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	upd := store.TaskUpdate{
		Name:          req.Name,
		ItemName:      req.ItemName,
		AppID:         req.AppID,
		Currency:      req.Currency,
		CheckInterval: req.CheckInterval,
		IsActive:      req.IsActive,
	}
	if req.Filters != nil {
		filters, err := models.ParseFilters(*req.Filters)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		upd.Filters = &filters
	}

	task, err := s.store.UpdateTask(r.Context(), id, upd)
	if err != nil {
		s.storeError(w, err)
		return
	}

	if req.IsActive != nil && s.runners != nil {
		if *req.IsActive {
			s.runners.Add(task)
		} else {
			s.runners.Remove(id)
		}
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	if err := s.store.DeleteTask(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	if s.runners != nil {
		s.runners.Remove(id)
	}
	if err := s.coord.ReleaseLock(r.Context(), id); err != nil {
		s.logger.Warn("task lock not cleared", "task_id", id, "error", err)
	}
	s.logger.Info("task deleted", "task_id", id)
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleTaskItems(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	limit := limitParam(r, 50, 500)
	items, err := s.store.ListItemsByTask(r.Context(), id, limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if items == nil {
		items = []*models.FoundItem{}
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.TaskStats{
		ID:          task.ID,
		Name:        task.Name,
		IsActive:    task.IsActive,
		TotalChecks: task.TotalChecks,
		ItemsFound:  task.ItemsFound,
		LastCheck:   task.LastCheck,
		NextCheck:   task.NextCheck,
	})
}

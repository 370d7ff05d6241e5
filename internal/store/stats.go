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

package store

import (
	"context"
	"fmt"

	"marketwatch/pkg/models"
)

// Stats aggregates task and proxy counters. Queue depth and the
// blocked-proxy count live in Redis, so the caller overlays those after
// the fact.
func (s *Store) Stats(ctx context.Context) (*models.Stats, error) {
	var out models.Stats

	const taskAgg = `
SELECT
  COUNT(*)                                                  AS tasks,
  COALESCE(SUM(CASE WHEN is_active THEN 1 ELSE 0 END), 0)   AS active_tasks,
  COALESCE(SUM(total_checks), 0)                            AS total_checks,
  COALESCE(SUM(items_found), 0)                             AS items_found
FROM monitoring_tasks`
	row := struct {
		Tasks       int64 `db:"tasks"`
		ActiveTasks int64 `db:"active_tasks"`
		TotalChecks int64 `db:"total_checks"`
		ItemsFound  int64 `db:"items_found"`
	}{}
	if err := s.db.GetContext(ctx, &row, taskAgg); err != nil {
		return nil, fmt.Errorf("stats tasks: %w", err)
	}
	out.Tasks = row.Tasks
	out.ActiveTasks = row.ActiveTasks
	out.TotalChecks = row.TotalChecks
	out.ItemsFound = row.ItemsFound

	const proxyAgg = `
SELECT
  COUNT(*)                                                      AS total,
  COALESCE(SUM(CASE WHEN is_active THEN 1 ELSE 0 END), 0)       AS active,
  COALESCE(SUM(CASE WHEN is_active THEN 0 ELSE 1 END), 0)       AS inactive
FROM proxies`
	prow := struct {
		Total    int64 `db:"total"`
		Active   int64 `db:"active"`
		Inactive int64 `db:"inactive"`
	}{}
	if err := s.db.GetContext(ctx, &prow, proxyAgg); err != nil {
		return nil, fmt.Errorf("stats proxies: %w", err)
	}
	out.Proxies.Total = prow.Total
	out.Proxies.Active = prow.Active
	out.Proxies.Inactive = prow.Inactive

	var tasks []*models.MonitoringTask
	if err := s.db.SelectContext(ctx, &tasks, `SELECT `+taskColumns+` FROM monitoring_tasks ORDER BY id ASC`); err != nil {
		return nil, fmt.Errorf("stats per task: %w", err)
	}
	out.PerTask = make([]models.TaskStats, 0, len(tasks))
	for _, t := range tasks {
		out.PerTask = append(out.PerTask, models.TaskStats{
			ID:          t.ID,
			Name:        t.Name,
			IsActive:    t.IsActive,
			TotalChecks: t.TotalChecks,
			ItemsFound:  t.ItemsFound,
			LastCheck:   t.LastCheck,
			NextCheck:   t.NextCheck,
		})
	}
	return &out, nil
}

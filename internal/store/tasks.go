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
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"marketwatch/pkg/models"
)

const taskColumns = `id, name, item_name, appid, currency, filters, is_active, check_interval, total_checks, items_found, last_check, next_check, created_at, updated_at`

// TaskUpdate is a partial update; nil fields are left unchanged.
type TaskUpdate struct {
	Name          *string
	ItemName      *string
	AppID         *int
	Currency      *int
	Filters       *models.Filters
	CheckInterval *int
	IsActive      *bool
}

func validateTask(t *models.MonitoringTask) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: task name is required", ErrInvalid)
	}
	if strings.TrimSpace(t.ItemName) == "" {
		return fmt.Errorf("%w: item_name is required", ErrInvalid)
	}
	if t.CheckInterval < models.MinCheckInterval {
		return fmt.Errorf("%w: check_interval must be at least %d seconds", ErrInvalid, models.MinCheckInterval)
	}
	return nil
}

// CreateTask validates and inserts a task, assigning its ID and
// timestamps. A new task is due immediately unless NextCheck is set.
func (s *Store) CreateTask(ctx context.Context, t *models.MonitoringTask) error {
	if t.AppID == 0 {
		t.AppID = 730
	}
	if t.Currency == 0 {
		t.Currency = 1
	}
	if err := validateTask(t); err != nil {
		return err
	}

	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.NextCheck == nil {
		t.NextCheck = &now
	}

	const ins = `
INSERT INTO monitoring_tasks (name, item_name, appid, currency, filters, is_active, check_interval, total_checks, items_found, last_check, next_check, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	id, err := s.insertReturningID(ctx, ins,
		t.Name, t.ItemName, t.AppID, t.Currency, t.Filters, t.IsActive, t.CheckInterval,
		t.TotalChecks, t.ItemsFound, t.LastCheck, t.NextCheck, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	t.ID = id
	return nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.MonitoringTask, error) {
	q := `SELECT ` + taskColumns + ` FROM monitoring_tasks WHERE id=?`
	var t models.MonitoringTask
	err := s.db.GetContext(ctx, &t, s.rebind(q), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// ListTasks returns tasks ordered by id, optionally only active ones.
func (s *Store) ListTasks(ctx context.Context, activeOnly bool) ([]*models.MonitoringTask, error) {
	q := `SELECT ` + taskColumns + ` FROM monitoring_tasks`
	if activeOnly {
		q += ` WHERE is_active = TRUE`
	}
	q += ` ORDER BY id ASC`

	var out []*models.MonitoringTask
	if err := s.db.SelectContext(ctx, &out, s.rebind(q)); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// UpdateTask applies a partial update and returns the updated task.
func (s *Store) UpdateTask(ctx context.Context, id int64, upd TaskUpdate) (*models.MonitoringTask, error) {
	var updated *models.MonitoringTask
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if upd.Name != nil {
			t.Name = *upd.Name
		}
		if upd.ItemName != nil {
			t.ItemName = *upd.ItemName
		}
		if upd.AppID != nil {
			t.AppID = *upd.AppID
		}
		if upd.Currency != nil {
			t.Currency = *upd.Currency
		}
		if upd.Filters != nil {
			t.Filters = *upd.Filters
		}
		if upd.CheckInterval != nil {
			t.CheckInterval = *upd.CheckInterval
		}
		if upd.IsActive != nil {
			t.IsActive = *upd.IsActive
		}
		if err := validateTask(t); err != nil {
			return err
		}
		t.UpdatedAt = s.now()

		const q = `
UPDATE monitoring_tasks
SET name=?, item_name=?, appid=?, currency=?, filters=?, is_active=?, check_interval=?, updated_at=?
WHERE id=?`
		if _, err := tx.ExecContext(ctx, s.rebind(q),
			t.Name, t.ItemName, t.AppID, t.Currency, t.Filters, t.IsActive, t.CheckInterval, t.UpdatedAt, id); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteTask removes a task and its found items.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		// Explicit child delete keeps behavior identical even when the
		// cascade pragma is absent on an externally created database.
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM found_items WHERE task_id=?`), id); err != nil {
			return fmt.Errorf("delete task items: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM monitoring_tasks WHERE id=?`), id)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetNextCheck advances a task's next check time. The update is
// monotonic: it never moves next_check backward. Zero rows affected is
// not an error; it means the stored time was already later.
func (s *Store) SetNextCheck(ctx context.Context, id int64, next time.Time) error {
	ctx, cancel := shortCtx(ctx)
	defer cancel()

	const q = `
UPDATE monitoring_tasks SET next_check=?, updated_at=?
WHERE id=? AND (next_check IS NULL OR next_check <= ?)`
	_, err := s.db.ExecContext(ctx, s.rebind(q), next.UTC(), s.now(), id, next.UTC())
	if err != nil {
		return fmt.Errorf("set next check: %w", err)
	}
	return nil
}

// RescheduleTask sets next_check unconditionally. This is the one
// operation allowed to move the schedule backward.
func (s *Store) RescheduleTask(ctx context.Context, id int64, next time.Time) error {
	const q = `UPDATE monitoring_tasks SET next_check=?, updated_at=? WHERE id=?`
	res, err := s.db.ExecContext(ctx, s.rebind(q), next.UTC(), s.now(), id)
	if err != nil {
		return fmt.Errorf("reschedule task: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordCheck marks a completed check: bumps total_checks and sets the
// last and next check times in a single statement.
func (s *Store) RecordCheck(ctx context.Context, id int64, at, next time.Time) error {
	ctx, cancel := shortCtx(ctx)
	defer cancel()

	const q = `
UPDATE monitoring_tasks
SET total_checks=total_checks+1, last_check=?, next_check=?, updated_at=?
WHERE id=?`
	res, err := s.db.ExecContext(ctx, s.rebind(q), at.UTC(), next.UTC(), s.now(), id)
	if err != nil {
		return fmt.Errorf("record check: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) getTaskTx(ctx context.Context, tx *sqlx.Tx, id int64) (*models.MonitoringTask, error) {
	q := `SELECT ` + taskColumns + ` FROM monitoring_tasks WHERE id=?`
	var t models.MonitoringTask
	err := tx.GetContext(ctx, &t, s.rebind(q), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task tx: %w", err)
	}
	return &t, nil
}

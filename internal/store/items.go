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
	"time"

	"github.com/jmoiron/sqlx"

	"marketwatch/pkg/models"
)

const itemColumns = `id, task_id, item_name, price, item_data, listing_id, market_url, inspect_links, notification_sent, notification_sent_at, found_at`

// GetFoundItem retrieves a found item by id.
func (s *Store) GetFoundItem(ctx context.Context, id int64) (*models.FoundItem, error) {
	q := `SELECT ` + itemColumns + ` FROM found_items WHERE id=?`
	var it models.FoundItem
	err := s.db.GetContext(ctx, &it, s.rebind(q), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get found item: %w", err)
	}
	return &it, nil
}

// FindItemByListing reports whether a task already recorded a listing id.
func (s *Store) FindItemByListing(ctx context.Context, taskID int64, listingID string) (bool, error) {
	if listingID == "" {
		return false, nil
	}
	const q = `SELECT COUNT(*) FROM found_items WHERE task_id=? AND listing_id=?`
	var n int
	if err := s.db.GetContext(ctx, &n, s.rebind(q), taskID, listingID); err != nil {
		return false, fmt.Errorf("find item by listing: %w", err)
	}
	return n > 0, nil
}

// FindItemByNamePrice reports whether a task already recorded an item
// with the same name and price. It is the fallback identity used for
// listings that carry no listing id.
func (s *Store) FindItemByNamePrice(ctx context.Context, taskID int64, name string, price float64) (bool, error) {
	const q = `SELECT COUNT(*) FROM found_items WHERE task_id=? AND item_name=? AND price=?`
	var n int
	if err := s.db.GetContext(ctx, &n, s.rebind(q), taskID, name, price); err != nil {
		return false, fmt.Errorf("find item by name/price: %w", err)
	}
	return n > 0, nil
}

// InsertFoundItems stores a batch of new items and bumps the owning
// task's items_found counter in the same transaction. Listing ids are
// derived from the raw item data when not already set. Item IDs are
// assigned on return.
func (s *Store) InsertFoundItems(ctx context.Context, taskID int64, items []*models.FoundItem) error {
	if len(items) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		// Bump first so a missing task reads as ErrNotFound instead of
		// a foreign key violation from the item insert.
		const bump = `UPDATE monitoring_tasks SET items_found=items_found+?, updated_at=? WHERE id=?`
		res, err := tx.ExecContext(ctx, s.rebind(bump), len(items), s.now(), taskID)
		if err != nil {
			return fmt.Errorf("bump items_found: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return ErrNotFound
		}

		const ins = `
INSERT INTO found_items (task_id, item_name, price, item_data, listing_id, market_url, inspect_links, notification_sent, notification_sent_at, found_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		for _, it := range items {
			it.TaskID = taskID
			if it.FoundAt.IsZero() {
				it.FoundAt = s.now()
			}
			if it.ListingID == nil {
				if lid := models.ListingIDFromData([]byte(it.ItemData)); lid != "" {
					it.ListingID = &lid
				}
			}
			id, err := s.insertReturningIDTx(ctx, tx, ins,
				it.TaskID, it.ItemName, it.Price, it.ItemData, it.ListingID, it.MarketURL,
				it.InspectLinks, it.NotificationSent, it.NotificationSentAt, it.FoundAt)
			if err != nil {
				return fmt.Errorf("insert found item: %w", err)
			}
			it.ID = id
		}
		return nil
	})
}

// MarkItemNotified flips notification_sent exactly once. It returns
// true when this call performed the flip and false when the item was
// already marked, so concurrent publishers resolve to a single winner.
func (s *Store) MarkItemNotified(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := shortCtx(ctx)
	defer cancel()

	const q = `
UPDATE found_items SET notification_sent=TRUE, notification_sent_at=?
WHERE id=? AND notification_sent=FALSE`
	res, err := s.db.ExecContext(ctx, s.rebind(q), s.now(), id)
	if err != nil {
		return false, fmt.Errorf("mark item notified: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark item notified: %w", err)
	}
	return affected == 1, nil
}

// ListUnnotified returns items whose notification flag is still unset
// and that were found at or before the cutoff, oldest first. The
// sweeper uses it to re-drive publishes that died between insert and
// event emission.
func (s *Store) ListUnnotified(ctx context.Context, cutoff time.Time, limit int) ([]*models.FoundItem, error) {
	q := `SELECT ` + itemColumns + ` FROM found_items WHERE notification_sent=FALSE AND found_at <= ? ORDER BY found_at ASC, id ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	var out []*models.FoundItem
	if err := s.db.SelectContext(ctx, &out, s.rebind(q), cutoff.UTC()); err != nil {
		return nil, fmt.Errorf("list unnotified: %w", err)
	}
	return out, nil
}

// ListItemsByTask returns a task's found items, newest first.
func (s *Store) ListItemsByTask(ctx context.Context, taskID int64, limit int) ([]*models.FoundItem, error) {
	q := `SELECT ` + itemColumns + ` FROM found_items WHERE task_id=? ORDER BY found_at DESC, id DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	var out []*models.FoundItem
	if err := s.db.SelectContext(ctx, &out, s.rebind(q), taskID); err != nil {
		return nil, fmt.Errorf("list items by task: %w", err)
	}
	return out, nil
}

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

// Package results persists matched listings and fans out found-item
// events. Rows commit first with notification_sent=false; the flag then
// flips one row at a time, and the event publishes only after the flip.
// A crash between insert and flip leaves rows behind for the sweeper.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketwatch/internal/metrics"
	"marketwatch/internal/store"
	"marketwatch/pkg/market"
	"marketwatch/pkg/models"
)

// Store is the slice of the relational store the processor needs.
type Store interface {
	FindItemByListing(ctx context.Context, taskID int64, listingID string) (bool, error)
	FindItemByNamePrice(ctx context.Context, taskID int64, name string, price float64) (bool, error)
	InsertFoundItems(ctx context.Context, taskID int64, items []*models.FoundItem) error
	MarkItemNotified(ctx context.Context, id int64) (bool, error)
	ListUnnotified(ctx context.Context, cutoff time.Time, limit int) ([]*models.FoundItem, error)
	GetTask(ctx context.Context, id int64) (*models.MonitoringTask, error)
}

// Publisher emits found-item events to subscribers.
type Publisher interface {
	PublishFoundItem(ctx context.Context, ev market.FoundItemEvent) error
}

// Processor turns matched listings into stored rows and events.
type Processor struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
}

// New builds a processor. A nil logger falls back to slog.Default().
func New(st Store, pub Publisher, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: st, publisher: pub, logger: logger}
}

// Process stores the listings a run matched and publishes one event per
// row that turned out to be new. It returns the number of new rows.
func (p *Processor) Process(ctx context.Context, task *models.MonitoringTask, listings []market.Listing) (int, error) {
	fresh, err := p.dedupe(ctx, task.ID, listings)
	if err != nil {
		return 0, err
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	if err := p.store.InsertFoundItems(ctx, task.ID, fresh); err != nil {
		metrics.RecordStoreError("insert_items")
		return 0, fmt.Errorf("insert found items: %w", err)
	}
	metrics.RecordItemsFound(len(fresh))
	for _, item := range fresh {
		p.notify(ctx, item, task.Name)
	}
	return len(fresh), nil
}

// Sweep re-drives the fan-out for rows whose notification flag never
// flipped, oldest first. The grace period keeps the sweeper off rows a
// worker is still fanning out. It returns how many events were published.
func (p *Processor) Sweep(ctx context.Context, grace time.Duration, limit int) (int, error) {
	cutoff := time.Now().Add(-grace)
	items, err := p.store.ListUnnotified(ctx, cutoff, limit)
	if err != nil {
		metrics.RecordStoreError("list_unnotified")
		return 0, fmt.Errorf("list unnotified: %w", err)
	}

	sent := 0
	names := make(map[int64]string)
	for _, item := range items {
		name, ok := names[item.TaskID]
		if !ok {
			task, err := p.store.GetTask(ctx, item.TaskID)
			if errors.Is(err, store.ErrNotFound) {
				// The row outlived its task mid-sweep; the cascade
				// delete will collect it.
				continue
			}
			if err != nil {
				return sent, fmt.Errorf("load task %d: %w", item.TaskID, err)
			}
			name = task.Name
			names[item.TaskID] = name
		}
		if p.notify(ctx, item, name) {
			sent++
		}
	}
	if sent > 0 {
		p.logger.Info("sweeper re-published found items", "count", sent)
	}
	return sent, nil
}

// RunSweeper sweeps on the given interval until ctx is cancelled.
func (p *Processor) RunSweeper(ctx context.Context, interval, grace time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Sweep(ctx, grace, limit); err != nil {
				p.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// dedupe drops listings the task already recorded. Ids compare as
// strings; listings without an id fall back to name+price identity.
// Repeats inside one batch collapse to the first occurrence.
func (p *Processor) dedupe(ctx context.Context, taskID int64, listings []market.Listing) ([]*models.FoundItem, error) {
	seenID := make(map[string]bool, len(listings))
	seenNamePrice := make(map[string]bool, len(listings))

	var fresh []*models.FoundItem
	for i := range listings {
		l := &listings[i]
		price := l.EffectivePrice()

		if l.ID != "" {
			if seenID[l.ID] {
				continue
			}
			seenID[l.ID] = true
		} else {
			key := fmt.Sprintf("%s|%.2f", l.Name, price)
			if seenNamePrice[key] {
				continue
			}
			seenNamePrice[key] = true
		}

		known, err := p.known(ctx, taskID, l, price)
		if err != nil {
			metrics.RecordStoreError("find_item")
			return nil, fmt.Errorf("dedupe listing %q: %w", l.ID, err)
		}
		if known {
			continue
		}
		fresh = append(fresh, toFoundItem(l, price))
	}
	return fresh, nil
}

func (p *Processor) known(ctx context.Context, taskID int64, l *market.Listing, price float64) (bool, error) {
	if l.ID != "" {
		return p.store.FindItemByListing(ctx, taskID, l.ID)
	}
	return p.store.FindItemByNamePrice(ctx, taskID, l.Name, price)
}

// notify flips one row's flag and publishes after the flip committed.
// Losing the flip race to another publisher is not an error. A publish
// failure after the flip loses the event; only rows that never flipped
// are the sweeper's to retry.
func (p *Processor) notify(ctx context.Context, item *models.FoundItem, taskName string) bool {
	flipped, err := p.store.MarkItemNotified(ctx, item.ID)
	if err != nil {
		metrics.RecordStoreError("mark_notified")
		p.logger.Error("notification flag not flipped",
			"item_id", item.ID, "task_id", item.TaskID, "error", err)
		return false
	}
	if !flipped {
		return false
	}

	ev := market.FoundItemEvent{
		Type:      market.EventTypeFoundItem,
		ItemID:    item.ID,
		TaskID:    item.TaskID,
		ItemName:  item.ItemName,
		Price:     item.Price,
		MarketURL: item.MarketURL,
		ItemData:  item.ItemData,
		TaskName:  taskName,
	}
	if err := p.publisher.PublishFoundItem(ctx, ev); err != nil {
		p.logger.Error("found-item event not published",
			"item_id", item.ID, "task_id", item.TaskID, "error", err)
		return false
	}
	metrics.RecordEventPublished()
	p.logger.Info("found item",
		"item_id", item.ID,
		"task_id", item.TaskID,
		"item_name", item.ItemName,
		"price", item.Price)
	return true
}

func toFoundItem(l *market.Listing, price float64) *models.FoundItem {
	item := &models.FoundItem{
		ItemName: l.Name,
		Price:    price,
		ItemData: rawData(l),
	}
	if l.ID != "" {
		id := l.ID
		item.ListingID = &id
	}
	if l.MarketURL != "" {
		u := l.MarketURL
		item.MarketURL = &u
	}
	if len(l.InspectLinks) > 0 {
		if data, err := json.Marshal(l.InspectLinks); err == nil {
			links := string(data)
			item.InspectLinks = &links
		}
	}
	return item
}

// rawData keeps the upstream payload when present so stored rows can be
// re-inspected later; a listing without one stores its normalized form.
func rawData(l *market.Listing) string {
	if len(l.Raw) > 0 {
		return string(l.Raw)
	}
	data, err := json.Marshal(l)
	if err != nil {
		return "{}"
	}
	return string(data)
}

package results

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

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"marketwatch/internal/store"
	"marketwatch/pkg/market"
	"marketwatch/pkg/models"
)

type stubPublisher struct {
	mu     sync.Mutex
	events []market.FoundItemEvent
	fail   bool
}

func (s *stubPublisher) PublishFoundItem(ctx context.Context, ev market.FoundItemEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("publisher down")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *stubPublisher) published() []market.FoundItemEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]market.FoundItemEvent(nil), s.events...)
}

func newTestProcessor(t *testing.T) (*Processor, *store.Store, *stubPublisher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	st, err := store.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	pub := &stubPublisher{}
	return New(st, pub, nil), st, pub
}

func newTestTask(t *testing.T, st *store.Store, name string) *models.MonitoringTask {
	t.Helper()
	task := &models.MonitoringTask{
		Name:          name,
		ItemName:      "AK-47 | Redline (Field-Tested)",
		IsActive:      true,
		CheckInterval: 60,
	}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func TestProcessStoresAndPublishes(t *testing.T) {
	proc, st, pub := newTestProcessor(t)
	ctx := context.Background()
	task := newTestTask(t, st, "redline watch")

	listings := []market.Listing{
		{
			ID:        "5551112223334445556",
			Name:      "AK-47 | Redline (Field-Tested)",
			Price:     42.50,
			MarketURL: "https://steamcommunity.com/market/listings/730/AK-47%20%7C%20Redline%20%28Field-Tested%29",
			Raw:       []byte(`{"listingid":"5551112223334445556","sell_price":4250}`),
		},
		{
			// No structured price; the display string decides.
			ID:        "7778889990001112223",
			Name:      "AK-47 | Redline (Field-Tested)",
			PriceText: "$61.20",
		},
	}

	n, err := proc.Process(ctx, task, listings)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("Process stored %d items, want 2", n)
	}

	items, err := st.ListItemsByTask(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("ListItemsByTask failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("stored %d items, want 2", len(items))
	}
	for _, item := range items {
		if !item.NotificationSent || item.NotificationSentAt == nil {
			t.Errorf("item %d not marked notified after publish", item.ID)
		}
		if item.ListingID == nil {
			t.Errorf("item %d stored without a listing id", item.ID)
		}
	}

	events := pub.published()
	if len(events) != 2 {
		t.Fatalf("published %d events, want 2", len(events))
	}
	if events[0].Type != market.EventTypeFoundItem {
		t.Errorf("event type = %q, want %q", events[0].Type, market.EventTypeFoundItem)
	}
	if events[0].TaskName != "redline watch" {
		t.Errorf("event task name = %q", events[0].TaskName)
	}
	if events[0].Price != 42.50 {
		t.Errorf("event price = %v, want 42.50", events[0].Price)
	}
	if events[0].MarketURL == nil {
		t.Error("event market url missing for listing that carried one")
	}
	if events[1].Price != 61.20 {
		t.Errorf("display-priced event price = %v, want 61.20", events[1].Price)
	}
	if events[1].MarketURL != nil {
		t.Errorf("event market url = %v, want nil", *events[1].MarketURL)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.ItemsFound != 2 {
		t.Errorf("task items_found = %d, want 2", got.ItemsFound)
	}
}

func TestProcessDedupes(t *testing.T) {
	proc, st, pub := newTestProcessor(t)
	ctx := context.Background()
	task := newTestTask(t, st, "dedupe watch")

	withID := market.Listing{ID: "111", Name: "AK-47 | Redline (Field-Tested)", Price: 40}
	noID := market.Listing{Name: "AK-47 | Redline (Field-Tested)", Price: 45.5}

	// The same listing twice in one batch is one candidate.
	n, err := proc.Process(ctx, task, []market.Listing{withID, withID, noID, noID})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("first Process stored %d items, want 2", n)
	}

	// A later run seeing the same listings stores nothing.
	n, err = proc.Process(ctx, task, []market.Listing{withID, noID})
	if err != nil {
		t.Fatalf("second Process failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("second Process stored %d items, want 0", n)
	}
	if len(pub.published()) != 2 {
		t.Fatalf("published %d events, want 2", len(pub.published()))
	}

	// Same name at a different price is a new observation.
	n, err = proc.Process(ctx, task, []market.Listing{{Name: "AK-47 | Redline (Field-Tested)", Price: 39.99}})
	if err != nil {
		t.Fatalf("third Process failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("third Process stored %d items, want 1", n)
	}
}

func TestProcessPublishFailureKeepsFlagFlipped(t *testing.T) {
	proc, st, pub := newTestProcessor(t)
	ctx := context.Background()
	task := newTestTask(t, st, "flaky publisher")
	pub.fail = true

	n, err := proc.Process(ctx, task, []market.Listing{{ID: "111", Name: "x", Price: 1}})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Process stored %d items, want 1", n)
	}

	// The flip committed before the publish attempt, so the row does not
	// come back around via the sweeper.
	items, err := st.ListItemsByTask(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("ListItemsByTask failed: %v", err)
	}
	if len(items) != 1 || !items[0].NotificationSent {
		t.Fatal("row not flipped despite committed insert")
	}

	pub.fail = false
	sent, err := proc.Sweep(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if sent != 0 {
		t.Fatalf("Sweep re-published %d events for flipped rows, want 0", sent)
	}
}

func TestSweepRepublishesStrandedRows(t *testing.T) {
	proc, st, pub := newTestProcessor(t)
	ctx := context.Background()
	task := newTestTask(t, st, "crash recovery")

	// Rows inserted without a fan-out stand in for a worker that died
	// between commit and publish.
	stranded := []*models.FoundItem{
		{ItemName: "a", Price: 1, ItemData: `{"listingid":"1"}`},
		{ItemName: "b", Price: 2, ItemData: `{"listingid":"2"}`},
	}
	if err := st.InsertFoundItems(ctx, task.ID, stranded); err != nil {
		t.Fatalf("InsertFoundItems failed: %v", err)
	}

	// Rows younger than the grace period are left alone.
	sent, err := proc.Sweep(ctx, time.Hour, 10)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if sent != 0 {
		t.Fatalf("Sweep published %d events inside the grace period, want 0", sent)
	}

	sent, err = proc.Sweep(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if sent != 2 {
		t.Fatalf("Sweep published %d events, want 2", sent)
	}

	events := pub.published()
	if len(events) != 2 {
		t.Fatalf("published %d events, want 2", len(events))
	}
	if events[0].TaskName != "crash recovery" {
		t.Errorf("swept event task name = %q", events[0].TaskName)
	}

	// A second sweep finds nothing left to do.
	sent, err = proc.Sweep(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if sent != 0 {
		t.Fatalf("repeat Sweep published %d events, want 0", sent)
	}
}

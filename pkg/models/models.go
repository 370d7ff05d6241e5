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

package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// MonitoringTask is one market search whose results are tracked over time.
type MonitoringTask struct {
	ID            int64      `json:"id" db:"id"`
	Name          string     `json:"name" db:"name"`
	ItemName      string     `json:"item_name" db:"item_name"`
	AppID         int        `json:"appid" db:"appid"`
	Currency      int        `json:"currency" db:"currency"`
	Filters       Filters    `json:"filters" db:"filters"`
	IsActive      bool       `json:"is_active" db:"is_active"`
	CheckInterval int        `json:"check_interval" db:"check_interval"` // seconds
	TotalChecks   int64      `json:"total_checks" db:"total_checks"`
	ItemsFound    int64      `json:"items_found" db:"items_found"`
	LastCheck     *time.Time `json:"last_check,omitempty" db:"last_check"`
	NextCheck     *time.Time `json:"next_check,omitempty" db:"next_check"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// MinCheckInterval is the smallest permitted check interval in seconds.
const MinCheckInterval = 10

// Interval returns the task's check interval as a duration, never below
// MinCheckInterval.
func (t *MonitoringTask) Interval() time.Duration {
	iv := t.CheckInterval
	if iv < MinCheckInterval {
		iv = MinCheckInterval
	}
	return time.Duration(iv) * time.Second
}

// Due reports whether the task should be checked at now. A task with no
// recorded next check is always due.
func (t *MonitoringTask) Due(now time.Time) bool {
	if t.NextCheck == nil {
		return true
	}
	return !now.Before(*t.NextCheck)
}

// FoundItem is a listing observed by a task that matched its filters.
// ListingID is materialized from ItemData at insert time; identifiers
// are compared as strings.
type FoundItem struct {
	ID                 int64      `json:"id" db:"id"`
	TaskID             int64      `json:"task_id" db:"task_id"`
	ItemName           string     `json:"item_name" db:"item_name"`
	Price              float64    `json:"price" db:"price"`
	ItemData           string     `json:"item_data" db:"item_data"` // raw listing JSON
	ListingID          *string    `json:"listing_id,omitempty" db:"listing_id"`
	MarketURL          *string    `json:"market_url,omitempty" db:"market_url"`
	InspectLinks       *string    `json:"inspect_links,omitempty" db:"inspect_links"` // JSON array
	NotificationSent   bool       `json:"notification_sent" db:"notification_sent"`
	NotificationSentAt *time.Time `json:"notification_sent_at,omitempty" db:"notification_sent_at"`
	FoundAt            time.Time  `json:"found_at" db:"found_at"`
}

// ListingIDFromData pulls a listing id out of raw listing JSON, checking
// the keys Steam uses ("listingid", then "id").
func ListingIDFromData(data []byte) string {
	if len(bytes.TrimSpace(data)) == 0 {
		return ""
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return ""
	}
	for _, key := range []string{"listingid", "id"} {
		raw, ok := doc[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil && n.String() != "" {
			return n.String()
		}
	}
	return ""
}

// Proxy is an upstream HTTP proxy tracked by the pool. The URL is stored
// in canonical form and may embed credentials; redact before logging.
type Proxy struct {
	ID           int64      `json:"id" db:"id"`
	URL          string     `json:"url" db:"url"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	DelaySeconds float64    `json:"delay_seconds" db:"delay_seconds"`
	SuccessCount int64      `json:"success_count" db:"success_count"`
	FailCount    int64      `json:"fail_count" db:"fail_count"`
	LastError    *string    `json:"last_error,omitempty" db:"last_error"`
	LastUsed     *time.Time `json:"last_used,omitempty" db:"last_used"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// TaskStats is the per-task slice of the statistics snapshot.
type TaskStats struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	IsActive    bool       `json:"is_active"`
	TotalChecks int64      `json:"total_checks"`
	ItemsFound  int64      `json:"items_found"`
	LastCheck   *time.Time `json:"last_check,omitempty"`
	NextCheck   *time.Time `json:"next_check,omitempty"`
}

// ProxyStates summarizes pool membership by usability.
type ProxyStates struct {
	Total    int64 `json:"total"`
	Active   int64 `json:"active"`
	Inactive int64 `json:"inactive"`
	Blocked  int64 `json:"blocked"`
}

// Stats is the aggregate statistics snapshot served by the admin API.
type Stats struct {
	Tasks       int64       `json:"tasks"`
	ActiveTasks int64       `json:"active_tasks"`
	TotalChecks int64       `json:"total_checks"`
	ItemsFound  int64       `json:"items_found"`
	QueueDepth  int64       `json:"queue_depth"`
	Proxies     ProxyStates `json:"proxies"`
	PerTask     []TaskStats `json:"per_task"`
}

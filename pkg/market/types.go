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

// Package market defines the wire-level types shared between the fetch
// layer, the result processor, and event consumers.
package market

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Listing is one market listing as returned by the fetch layer, already
// normalized from the upstream payload.
type Listing struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Price        float64         `json:"price"`
	PriceText    string          `json:"price_text,omitempty"`
	Currency     int             `json:"currency,omitempty"`
	MarketURL    string          `json:"market_url,omitempty"`
	InspectLinks []string        `json:"inspect_links,omitempty"`
	FloatValue   *float64        `json:"float_value,omitempty"`
	PaintSeed    *int            `json:"paint_seed,omitempty"`
	KeychainSeed *int            `json:"keychain_seed,omitempty"`
	Stickers     []Sticker       `json:"stickers,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// EffectivePrice prefers the structured price field and falls back to
// parsing the display string ("$45.00", "45,00€") when it is zero.
func (l *Listing) EffectivePrice() float64 {
	if l.Price > 0 {
		return l.Price
	}
	return parseDisplayPrice(l.PriceText)
}

func parseDisplayPrice(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == ',':
			b.WriteRune('.')
		}
	}
	cleaned := b.String()
	// Collapse thousands separators: keep only the last dot.
	if n := strings.Count(cleaned, "."); n > 1 {
		last := strings.LastIndex(cleaned, ".")
		cleaned = strings.ReplaceAll(cleaned[:last], ".", "") + cleaned[last:]
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return v
}

// Sticker is one sticker applied to a listing.
type Sticker struct {
	Position int     `json:"position"`
	Name     string  `json:"name"`
	Price    float64 `json:"price,omitempty"`
}

// EventTypeFoundItem tags found-item events on the wire.
const EventTypeFoundItem = "found_item"

// FoundItemEvent is the payload published on the found_items channel
// after a row's notification flag flips. MarketURL is null when the
// listing carried no URL; ItemData is the raw listing JSON as a string.
type FoundItemEvent struct {
	Type      string  `json:"type"`
	ItemID    int64   `json:"item_id"`
	TaskID    int64   `json:"task_id"`
	ItemName  string  `json:"item_name"`
	Price     float64 `json:"price"`
	MarketURL *string `json:"market_url"`
	ItemData  string  `json:"item_data"`
	TaskName  string  `json:"task_name"`
}

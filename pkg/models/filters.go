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
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Item types selecting where a pattern (paint seed) is read from.
const (
	ItemTypeSkin     = "skin"
	ItemTypeKeychain = "keychain"
)

// Filters is the search document evaluated against fetched listings.
// Tasks store it structured; the API accepts it either as a JSON object
// or as a JSON-encoded string and normalizes before storage.
type Filters struct {
	ItemName string `json:"item_name,omitempty"`
	AppID    int    `json:"appid,omitempty"`
	Currency int    `json:"currency,omitempty"`

	MaxPrice  *float64 `json:"max_price,omitempty"`
	BasePrice *float64 `json:"base_price,omitempty"`

	FloatRange     *FloatRange     `json:"float_range,omitempty"`
	PatternList    *PatternList    `json:"pattern_list,omitempty"`
	StickersFilter *StickersFilter `json:"stickers_filter,omitempty"`

	AutoUpdateBasePrice     bool `json:"auto_update_base_price,omitempty"`
	BasePriceUpdateInterval int  `json:"base_price_update_interval,omitempty"` // seconds
}

// FloatRange keeps listings whose wear value lies in [Min, Max].
type FloatRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// PatternList keeps listings whose paint seed is in Patterns. ItemType
// selects the seed source (skin vs keychain).
type PatternList struct {
	Patterns []int  `json:"patterns"`
	ItemType string `json:"item_type,omitempty"`
}

// StickerSpec constrains a single sticker slot.
type StickerSpec struct {
	Position int    `json:"position"`
	Name     string `json:"name,omitempty"`
}

// StickersFilter constrains the stickers applied to a listing.
type StickersFilter struct {
	MaxOverpayCoefficient *float64      `json:"max_overpay_coefficient,omitempty"`
	MinStickersPrice      *float64      `json:"min_stickers_price,omitempty"`
	Stickers              []StickerSpec `json:"stickers,omitempty"`
	TotalStickersPriceMin *float64      `json:"total_stickers_price_min,omitempty"`
	TotalStickersPriceMax *float64      `json:"total_stickers_price_max,omitempty"`
}

// ParseFilters decodes a filters document that may arrive either as a
// JSON object or as a JSON string containing an encoded object. Empty
// and null inputs yield the zero value.
func ParseFilters(raw []byte) (Filters, error) {
	var f Filters
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return f, nil
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return f, fmt.Errorf("decode filters string: %w", err)
		}
		return ParseFilters([]byte(inner))
	}
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return f, fmt.Errorf("decode filters: %w", err)
	}
	return f, nil
}

// Scan implements sql.Scanner so filters columns load directly into the
// struct regardless of backend.
func (f *Filters) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*f = Filters{}
		return nil
	case []byte:
		parsed, err := ParseFilters(v)
		if err != nil {
			return err
		}
		*f = parsed
		return nil
	case string:
		parsed, err := ParseFilters([]byte(v))
		if err != nil {
			return err
		}
		*f = parsed
		return nil
	default:
		return fmt.Errorf("filters: cannot scan %T", value)
	}
}

// Value implements driver.Valuer, storing filters as a JSON document.
func (f Filters) Value() (driver.Value, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode filters: %w", err)
	}
	return string(b), nil
}

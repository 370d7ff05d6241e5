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

// Package filter evaluates listings against a task's filter document.
//
// Only the constraint fields participate here; item_name, appid, and
// currency parameterize the fetch and are applied upstream. Checks on
// attributes the listing does not carry fail closed (a float filter
// rejects a listing without a float value), with one deliberate
// exception: a listing whose price did not parse passes the price
// check, so a display-format change does not silence a task.
package filter

import (
	"strings"

	"marketwatch/pkg/market"
	"marketwatch/pkg/models"
)

// Reasons name the first constraint a listing failed, for logs and
// debugging endpoints.
const (
	ReasonMaxPrice       = "max_price"
	ReasonFloatRange     = "float_range"
	ReasonPatternList    = "pattern_list"
	ReasonStickerCount   = "sticker_count"
	ReasonStickerName    = "sticker_name"
	ReasonStickerTotal   = "sticker_total"
	ReasonStickerOverpay = "sticker_overpay"
)

// Match reports whether the listing passes every constraint, and if
// not, which one rejected it first.
func Match(f models.Filters, l market.Listing) (bool, string) {
	if !priceOK(f, l) {
		return false, ReasonMaxPrice
	}
	if !floatOK(f, l) {
		return false, ReasonFloatRange
	}
	if !patternOK(f, l) {
		return false, ReasonPatternList
	}
	if ok, reason := stickersOK(f, l); !ok {
		return false, reason
	}
	return true, ""
}

func priceOK(f models.Filters, l market.Listing) bool {
	if f.MaxPrice == nil {
		return true
	}
	price := l.EffectivePrice()
	if price <= 0 {
		return true
	}
	return price <= *f.MaxPrice
}

func floatOK(f models.Filters, l market.Listing) bool {
	if f.FloatRange == nil {
		return true
	}
	if l.FloatValue == nil {
		return false
	}
	v := *l.FloatValue
	return v >= f.FloatRange.Min && v <= f.FloatRange.Max
}

func patternOK(f models.Filters, l market.Listing) bool {
	pl := f.PatternList
	if pl == nil || len(pl.Patterns) == 0 {
		return true
	}

	var seed, otherSeed *int
	if pl.ItemType == models.ItemTypeKeychain {
		seed, otherSeed = l.KeychainSeed, l.PaintSeed
	} else {
		seed, otherSeed = l.PaintSeed, l.KeychainSeed
	}

	if seed == nil {
		// A seed of the other kind means the filter targets a
		// different item type and does not apply here.
		return otherSeed != nil
	}
	for _, p := range pl.Patterns {
		if p == *seed {
			return true
		}
	}
	return false
}

func stickersOK(f models.Filters, l market.Listing) (bool, string) {
	sf := f.StickersFilter
	if sf == nil {
		return true, ""
	}

	if len(l.Stickers) < len(sf.Stickers) {
		return false, ReasonStickerCount
	}
	for _, spec := range sf.Stickers {
		if spec.Name == "" {
			continue
		}
		if !hasSticker(l.Stickers, spec) {
			return false, ReasonStickerName
		}
	}

	var total float64
	for _, s := range l.Stickers {
		total += s.Price
	}
	if sf.MinStickersPrice != nil && total < *sf.MinStickersPrice {
		return false, ReasonStickerTotal
	}
	if sf.TotalStickersPriceMin != nil && total < *sf.TotalStickersPriceMin {
		return false, ReasonStickerTotal
	}
	if sf.TotalStickersPriceMax != nil && total > *sf.TotalStickersPriceMax {
		return false, ReasonStickerTotal
	}

	// Overpay is how much of the asking price exceeds the bare item,
	// relative to the sticker value: (price - base) / total. It needs
	// a base price and a positive sticker total to mean anything.
	if sf.MaxOverpayCoefficient != nil && f.BasePrice != nil && total > 0 {
		price := l.EffectivePrice()
		if price > 0 {
			overpay := (price - *f.BasePrice) / total
			if overpay < 0 {
				overpay = 0
			}
			if overpay > *sf.MaxOverpayCoefficient {
				return false, ReasonStickerOverpay
			}
		}
	}
	return true, ""
}

func hasSticker(stickers []market.Sticker, spec models.StickerSpec) bool {
	want := strings.ToLower(spec.Name)
	for _, s := range stickers {
		if s.Position != spec.Position {
			continue
		}
		if strings.Contains(strings.ToLower(s.Name), want) {
			return true
		}
	}
	return false
}

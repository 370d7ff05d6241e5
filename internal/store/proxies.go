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

	"github.com/jmoiron/sqlx"

	"marketwatch/pkg/models"
)

const proxyColumns = `id, url, is_active, delay_seconds, success_count, fail_count, last_error, last_used, created_at`

// Proxy delay tuning. Delays adapt per proxy: rate limits push the
// delay up, sustained success lets it drift back down.
const (
	proxyBaseDelay  = 1.0
	proxyDelayStep  = 1.0
	proxyDelayDecay = 0.1
	proxyMaxDelay   = 20.0
	proxyDecayEvery = 5
)

// InsertProxy stores a proxy URL. The URL must already be in canonical
// form; duplicates return ErrConflict.
func (s *Store) InsertProxy(ctx context.Context, url string) (*models.Proxy, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: proxy url is required", ErrInvalid)
	}
	p := &models.Proxy{
		URL:          url,
		IsActive:     true,
		DelaySeconds: proxyBaseDelay,
		CreatedAt:    s.now(),
	}
	const ins = `
INSERT INTO proxies (url, is_active, delay_seconds, success_count, fail_count, last_error, last_used, created_at)
VALUES (?, ?, ?, 0, 0, NULL, NULL, ?)`
	id, err := s.insertReturningID(ctx, ins, p.URL, p.IsActive, p.DelaySeconds, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: proxy %s already exists", ErrConflict, url)
		}
		return nil, fmt.Errorf("insert proxy: %w", err)
	}
	p.ID = id
	return p, nil
}

// GetProxy retrieves a proxy by id.
func (s *Store) GetProxy(ctx context.Context, id int64) (*models.Proxy, error) {
	q := `SELECT ` + proxyColumns + ` FROM proxies WHERE id=?`
	var p models.Proxy
	err := s.db.GetContext(ctx, &p, s.rebind(q), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proxy: %w", err)
	}
	return &p, nil
}

// GetProxyByURL retrieves a proxy by its canonical URL.
func (s *Store) GetProxyByURL(ctx context.Context, url string) (*models.Proxy, error) {
	q := `SELECT ` + proxyColumns + ` FROM proxies WHERE url=?`
	var p models.Proxy
	err := s.db.GetContext(ctx, &p, s.rebind(q), url)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proxy by url: %w", err)
	}
	return &p, nil
}

// ListProxies returns proxies in least-recently-used order. Never-used
// proxies sort first so fresh entries get traffic before recycled ones.
func (s *Store) ListProxies(ctx context.Context, activeOnly bool) ([]*models.Proxy, error) {
	q := `SELECT ` + proxyColumns + ` FROM proxies`
	if activeOnly {
		q += ` WHERE is_active = TRUE`
	}
	q += ` ORDER BY last_used ASC NULLS FIRST, id ASC`

	var out []*models.Proxy
	if err := s.db.SelectContext(ctx, &out, s.rebind(q)); err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	return out, nil
}

// TouchProxyUsed stamps a proxy as just leased.
func (s *Store) TouchProxyUsed(ctx context.Context, id int64) error {
	ctx, cancel := shortCtx(ctx)
	defer cancel()

	const q = `UPDATE proxies SET last_used=? WHERE id=?`
	if _, err := s.db.ExecContext(ctx, s.rebind(q), s.now(), id); err != nil {
		return fmt.Errorf("touch proxy: %w", err)
	}
	return nil
}

// ProxySuccess records a successful request. Every few successes the
// delay decays one step back toward the base, and any stored error is
// cleared.
func (s *Store) ProxySuccess(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		p, err := s.getProxyTx(ctx, tx, id)
		if err != nil {
			return err
		}
		p.SuccessCount++
		if p.SuccessCount%proxyDecayEvery == 0 && p.DelaySeconds > proxyBaseDelay {
			p.DelaySeconds -= proxyDelayDecay
			if p.DelaySeconds < proxyBaseDelay {
				p.DelaySeconds = proxyBaseDelay
			}
		}
		const q = `UPDATE proxies SET success_count=?, delay_seconds=?, last_error=NULL WHERE id=?`
		if _, err := tx.ExecContext(ctx, s.rebind(q), p.SuccessCount, p.DelaySeconds, id); err != nil {
			return fmt.Errorf("proxy success: %w", err)
		}
		return nil
	})
}

// ProxyFailure records a failed request and stretches the delay one
// step, capped at the maximum.
func (s *Store) ProxyFailure(ctx context.Context, id int64, lastErr string) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		p, err := s.getProxyTx(ctx, tx, id)
		if err != nil {
			return err
		}
		p.FailCount++
		p.DelaySeconds += proxyDelayStep
		if p.DelaySeconds > proxyMaxDelay {
			p.DelaySeconds = proxyMaxDelay
		}
		const q = `UPDATE proxies SET fail_count=?, delay_seconds=?, last_error=? WHERE id=?`
		if _, err := tx.ExecContext(ctx, s.rebind(q), p.FailCount, p.DelaySeconds, nullIfEmpty(truncateErr(lastErr)), id); err != nil {
			return fmt.Errorf("proxy failure: %w", err)
		}
		return nil
	})
}

// DeactivateProxy takes a proxy out of rotation, keeping the error that
// caused it for the operator.
func (s *Store) DeactivateProxy(ctx context.Context, id int64, lastErr string) error {
	const q = `UPDATE proxies SET is_active=FALSE, last_error=? WHERE id=?`
	res, err := s.db.ExecContext(ctx, s.rebind(q), nullIfEmpty(truncateErr(lastErr)), id)
	if err != nil {
		return fmt.Errorf("deactivate proxy: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivateProxy returns a proxy to rotation with a clean slate.
func (s *Store) ActivateProxy(ctx context.Context, id int64) error {
	const q = `UPDATE proxies SET is_active=TRUE, fail_count=0, delay_seconds=?, last_error=NULL WHERE id=?`
	res, err := s.db.ExecContext(ctx, s.rebind(q), proxyBaseDelay, id)
	if err != nil {
		return fmt.Errorf("activate proxy: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProxy removes a proxy permanently.
func (s *Store) DeleteProxy(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM proxies WHERE id=?`), id)
	if err != nil {
		return fmt.Errorf("delete proxy: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) getProxyTx(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Proxy, error) {
	q := `SELECT ` + proxyColumns + ` FROM proxies WHERE id=?`
	var p models.Proxy
	err := tx.GetContext(ctx, &p, s.rebind(q), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proxy tx: %w", err)
	}
	return &p, nil
}

// truncateErr keeps stored error strings to a sane length.
func truncateErr(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max]
}

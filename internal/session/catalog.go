// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"sort"

	"github.com/jeranaias/relaybot/internal/model"
)

// Catalog is the immutable set of masks.
type Catalog struct {
	masks map[string]*model.Mask
	keys  []string
}

// NewCatalog copies masks, setting each Key from its map key.
func NewCatalog(masks map[string]model.Mask) *Catalog {
	c := &Catalog{masks: make(map[string]*model.Mask, len(masks))}
	for key, m := range masks {
		m := m
		m.Key = key
		c.masks[key] = &m
		c.keys = append(c.keys, key)
	}
	sort.Strings(c.keys)
	return c
}

// Get returns the mask for key.
func (c *Catalog) Get(key string) (*model.Mask, bool) {
	m, ok := c.masks[key]
	return m, ok
}

// Keys returns mask keys in sorted order.
func (c *Catalog) Keys() []string {
	return append([]string(nil), c.keys...)
}

// Len returns the number of masks.
func (c *Catalog) Len() int { return len(c.keys) }

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store with the same observable semantics as
// the Postgres implementation: conditional writes, atomic counter ADDs,
// token-idempotent transactions, and index range scans. It backs the
// engine unit tests and the property-based suites.
type Memory struct {
	mu     sync.Mutex
	items  map[Key]*Item
	tokens map[string]struct{}
	now    func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		items:  make(map[Key]*Item),
		tokens: make(map[string]struct{}),
		now:    time.Now,
	}
}

var _ Store = (*Memory)(nil)

// GetItem returns a copy of the item, or a KindNotFound error.
func (m *Memory) GetItem(_ context.Context, key Key) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return nil, NewError(KindNotFound, "GetItem", fmt.Errorf("%s / %s", key.PK, key.SK))
	}
	cp := copyItem(it)
	return &cp, nil
}

// PutItem overwrites the item wholesale.
func (m *Memory) PutItem(_ context.Context, item Item, cond *Condition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkCondition("PutItem", item.Key, cond); err != nil {
		return err
	}
	now := m.now()
	stored := copyItem(&item)
	if prev, ok := m.items[item.Key]; ok {
		stored.CreatedAt = prev.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.items[item.Key] = &stored
	return nil
}

// UpdateItem applies the update and returns the post-update item.
func (m *Memory) UpdateItem(_ context.Context, key Key, upd Update) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyUpdate("UpdateItem", key, upd)
}

// DeleteItem removes the item. Deleting a missing item is a no-op
// unless the condition requires existence.
func (m *Memory) DeleteItem(_ context.Context, key Key, cond *Condition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkCondition("DeleteItem", key, cond); err != nil {
		return err
	}
	delete(m.items, key)
	return nil
}

// TransactWrite applies all items atomically under the store lock.
// A repeated non-empty token is a no-op.
func (m *Memory) TransactWrite(_ context.Context, token string, items []TransactItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token != "" {
		if _, done := m.tokens[token]; done {
			return nil
		}
	}
	seen := make(map[Key]struct{}, len(items))
	for _, ti := range items {
		if _, dup := seen[ti.Key]; dup {
			return NewError(KindValidation, "TransactWrite",
				fmt.Errorf("duplicate key %s / %s in transaction", ti.Key.PK, ti.Key.SK))
		}
		seen[ti.Key] = struct{}{}
	}

	// Validate all conditions before mutating anything.
	for _, ti := range items {
		cond := ti.Condition
		if ti.Update != nil {
			cond = ti.Update.Condition
			if !ti.Update.Upsert {
				if _, ok := m.items[ti.Key]; !ok {
					return NewError(KindNotFound, "TransactWrite", fmt.Errorf("%s / %s", ti.Key.PK, ti.Key.SK))
				}
			}
		}
		if err := m.checkCondition("TransactWrite", ti.Key, cond); err != nil {
			return err
		}
	}

	for _, ti := range items {
		if ti.Delete {
			delete(m.items, ti.Key)
			continue
		}
		if ti.Update != nil {
			// Conditions already checked; skip them on apply.
			upd := *ti.Update
			upd.Condition = nil
			if _, err := m.applyUpdate("TransactWrite", ti.Key, upd); err != nil {
				return err
			}
		}
	}
	if token != "" {
		m.tokens[token] = struct{}{}
	}
	return nil
}

// Query ranges over one index partition in sort-key order.
func (m *Memory) Query(_ context.Context, in QueryInput) (*QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type row struct{ sk string; it *Item }
	var rows []row
	for _, it := range m.items {
		pk, sk := indexKeysOf(it, in.Index)
		if pk != in.Partition || sk == "" {
			continue
		}
		if in.SKPrefix != "" && !strings.HasPrefix(sk, in.SKPrefix) {
			continue
		}
		if in.EntityType != "" && it.EntityType != in.EntityType {
			continue
		}
		rows = append(rows, row{sk: sk, it: it})
	}
	sort.Slice(rows, func(i, j int) bool {
		if in.Forward {
			return rows[i].sk < rows[j].sk
		}
		return rows[i].sk > rows[j].sk
	})

	out := &QueryOutput{}
	for _, r := range rows {
		// Keyset pagination: the cursor is a sort-key value, not a row,
		// so resumption survives the cursor row being deleted.
		if in.Cursor != "" {
			if in.Forward && r.sk <= in.Cursor {
				continue
			}
			if !in.Forward && r.sk >= in.Cursor {
				continue
			}
		}
		cp := copyItem(r.it)
		out.Items = append(out.Items, cp)
		if in.Limit > 0 && len(out.Items) == in.Limit {
			out.NextCursor = r.sk
			break
		}
	}
	return out, nil
}

// BatchGet returns the existing items among keys; missing keys are
// silently omitted.
func (m *Memory) BatchGet(_ context.Context, keys []Key) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Item
	for _, k := range keys {
		if it, ok := m.items[k]; ok {
			out = append(out, copyItem(it))
		}
	}
	return out, nil
}

// Len returns the number of stored items. Test helper.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) applyUpdate(op string, key Key, upd Update) (*Item, error) {
	if err := m.checkCondition(op, key, upd.Condition); err != nil {
		return nil, err
	}
	it, ok := m.items[key]
	if !ok {
		if !upd.Upsert {
			return nil, NewError(KindNotFound, op, fmt.Errorf("%s / %s", key.PK, key.SK))
		}
		now := m.now()
		it = &Item{
			Key:        key,
			EntityType: upd.EntityType,
			Attrs:      make(map[string]any),
			Counters:   make(map[string]int64),
			CreatedAt:  now,
		}
		m.items[key] = it
	}
	for k, v := range upd.Set {
		if it.Attrs == nil {
			it.Attrs = make(map[string]any)
		}
		it.Attrs[k] = v
	}
	for k, d := range upd.Add {
		if it.Counters == nil {
			it.Counters = make(map[string]int64)
		}
		it.Counters[k] += d
	}
	for _, idx := range upd.ClearIndex {
		clearIndexKeys(&it.Index, idx)
	}
	if upd.Index != nil {
		applyIndexKeys(&it.Index, upd.Index)
	}
	it.UpdatedAt = m.now()
	cp := copyItem(it)
	return &cp, nil
}

func (m *Memory) checkCondition(op string, key Key, cond *Condition) error {
	if cond == nil {
		return nil
	}
	it, exists := m.items[key]
	if cond.Exists != nil && *cond.Exists != exists {
		return NewError(KindConditionFailed, op,
			fmt.Errorf("existence guard on %s / %s", key.PK, key.SK))
	}
	if !exists {
		if len(cond.AttrEQ) > 0 || len(cond.CounterEQ) > 0 || len(cond.CounterGT) > 0 {
			return NewError(KindConditionFailed, op,
				fmt.Errorf("attribute guard on missing item %s / %s", key.PK, key.SK))
		}
		return nil
	}
	for k, want := range cond.AttrEQ {
		if it.Attr(k) != want {
			return NewError(KindConditionFailed, op, fmt.Errorf("attr %s != %q", k, want))
		}
	}
	for k, want := range cond.CounterEQ {
		if it.Counter(k) != want {
			return NewError(KindConditionFailed, op, fmt.Errorf("counter %s != %d", k, want))
		}
	}
	for k, floor := range cond.CounterGT {
		if it.Counter(k) <= floor {
			return NewError(KindConditionFailed, op, fmt.Errorf("counter %s <= %d", k, floor))
		}
	}
	return nil
}

func indexKeysOf(it *Item, idx Index) (pk, sk string) {
	switch idx {
	case IndexPrimary:
		return it.PK, it.SK
	case Index1:
		return it.Index.GSI1PK, it.Index.GSI1SK
	case Index2:
		return it.Index.GSI2PK, it.Index.GSI2SK
	default:
		return it.Index.GSI3PK, it.Index.GSI3SK
	}
}

func applyIndexKeys(dst, src *IndexKeys) {
	if src.GSI1PK != "" {
		dst.GSI1PK = src.GSI1PK
	}
	if src.GSI1SK != "" {
		dst.GSI1SK = src.GSI1SK
	}
	if src.GSI2PK != "" {
		dst.GSI2PK = src.GSI2PK
	}
	if src.GSI2SK != "" {
		dst.GSI2SK = src.GSI2SK
	}
	if src.GSI3PK != "" {
		dst.GSI3PK = src.GSI3PK
	}
	if src.GSI3SK != "" {
		dst.GSI3SK = src.GSI3SK
	}
}

func clearIndexKeys(dst *IndexKeys, idx Index) {
	switch idx {
	case Index1:
		dst.GSI1PK, dst.GSI1SK = "", ""
	case Index2:
		dst.GSI2PK, dst.GSI2SK = "", ""
	case Index3:
		dst.GSI3PK, dst.GSI3SK = "", ""
	}
}

func copyItem(it *Item) Item {
	cp := *it
	cp.Attrs = make(map[string]any, len(it.Attrs))
	for k, v := range it.Attrs {
		cp.Attrs[k] = v
	}
	cp.Counters = make(map[string]int64, len(it.Counters))
	for k, v := range it.Counters {
		cp.Counters[k] = v
	}
	return cp
}

// Package store implements the single-table key-value repository backing
// the workflow error and state tracking core. Items are addressed by a
// composite (PK, SK) primary key and are additionally reachable through
// three secondary index key pairs used for reverse lookups and
// count-ordered range scans.
package store

import (
	"context"
	"time"
)

// Key is the composite primary key of an item.
type Key struct {
	PK string
	SK string
}

// IndexKeys holds the secondary index key pairs of an item. Empty fields
// are "not projected" into the corresponding index.
type IndexKeys struct {
	GSI1PK string
	GSI1SK string
	GSI2PK string
	GSI2SK string
	GSI3PK string
	GSI3SK string
}

// Item is one row of the table. Scalar attributes live in Attrs; numeric
// attributes mutated with atomic ADDs live in Counters. CreatedAt and
// UpdatedAt are maintained by the store.
type Item struct {
	Key
	EntityType string
	Index      IndexKeys
	Attrs      map[string]any
	Counters   map[string]int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Attr returns a string attribute, or "" when absent or non-string.
func (it *Item) Attr(name string) string {
	if it == nil || it.Attrs == nil {
		return ""
	}
	s, _ := it.Attrs[name].(string)
	return s
}

// Counter returns a counter value, or 0 when absent.
func (it *Item) Counter(name string) int64 {
	if it == nil || it.Counters == nil {
		return 0
	}
	return it.Counters[name]
}

// Condition guards an update, delete, or transact item. All populated
// clauses must hold; a violated clause fails the write with
// KindConditionFailed.
type Condition struct {
	// Exists requires the item to exist (true) or be absent (false).
	Exists *bool

	// AttrEQ requires string attributes to equal the given values.
	AttrEQ map[string]string

	// CounterEQ requires counters to equal the given values.
	CounterEQ map[string]int64

	// CounterGT requires counters to exceed the given values. Used to
	// guard decrements against going negative.
	CounterGT map[string]int64
}

// Exists returns a Condition requiring presence (or absence) of the item.
func Exists(v bool) *Condition { return &Condition{Exists: &v} }

// Update describes a mutation of a single item. Set overwrites
// attributes, Add atomically increments counters (creating them at the
// delta on first use), and Index overwrites the non-empty secondary
// index keys. ClearIndex blanks whole key pairs before Index applies,
// removing the item from those indexes; an empty Index field alone
// never clears. With Upsert the item is created when missing; without
// it a missing item fails with KindNotFound.
type Update struct {
	EntityType string // required when Upsert may create the item
	Set        map[string]any
	Add        map[string]int64
	Index      *IndexKeys
	ClearIndex []Index
	Condition  *Condition
	Upsert     bool
}

// TransactItem is one element of a transactional write: either an
// update/put (Update != nil) or a delete (Delete true). A transaction
// must not address the same key twice.
type TransactItem struct {
	Key       Key
	Update    *Update
	Delete    bool
	Condition *Condition // delete-only condition; updates carry their own
}

// Index selects which key pair a Query ranges over.
type Index int

const (
	IndexPrimary Index = iota
	Index1
	Index2
	Index3
)

// QueryInput describes a paginated range scan over one index partition.
type QueryInput struct {
	Index     Index
	Partition string
	SKPrefix  string // optional begins_with on the range key
	Forward   bool   // true = ascending range-key order
	Limit     int    // 0 = no limit
	Cursor    string // opaque cursor from a previous page

	// EntityType optionally filters results after the range scan,
	// mirroring a filter expression. Filtered-out rows still consume
	// the scan but never the limit.
	EntityType string
}

// QueryOutput is one page of query results. NextCursor is empty on the
// last page.
type QueryOutput struct {
	Items      []Item
	NextCursor string
}

// MaxTransactItems is the largest number of items written in one
// transactional batch. Larger transact calls are chunked automatically.
const MaxTransactItems = 100

// Store is the repository contract shared by the Postgres and in-memory
// implementations. All errors are classified (see Error); callers own
// the retry policy.
type Store interface {
	GetItem(ctx context.Context, key Key) (*Item, error)
	PutItem(ctx context.Context, item Item, cond *Condition) error
	UpdateItem(ctx context.Context, key Key, upd Update) (*Item, error)
	DeleteItem(ctx context.Context, key Key, cond *Condition) error

	// TransactWrite applies all items atomically. A non-empty token
	// makes the call idempotent: a token that was already applied
	// succeeds without re-applying.
	TransactWrite(ctx context.Context, token string, items []TransactItem) error

	Query(ctx context.Context, in QueryInput) (*QueryOutput, error)
	BatchGet(ctx context.Context, keys []Key) ([]Item, error)
}

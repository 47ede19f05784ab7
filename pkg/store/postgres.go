package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres implements Store over a PostgreSQL table. One physical table
// shape serves both logical tables (errors, state); the table name is
// fixed at construction.
//
// Writes take a row lock (SELECT ... FOR UPDATE) and evaluate
// conditions on the locked row, so conditional semantics match the
// in-memory store exactly. Transactions lock rows in key order to stay
// deadlock-free across concurrent writers. PostgreSQL imposes no
// 100-item transact ceiling; a transact batch of any size commits in a
// single SQL transaction.
type Postgres struct {
	db          *sql.DB
	table       string
	tokensTable string
}

// NewPostgres creates a store over the given table. The companion
// request-token table is shared by all logical tables.
func NewPostgres(db *sql.DB, table string) *Postgres {
	return &Postgres{db: db, table: table, tokensTable: "request_tokens"}
}

var _ Store = (*Postgres)(nil)

const itemColumns = "pk, sk, entity_type, attrs, counters, gsi1pk, gsi1sk, gsi2pk, gsi2sk, gsi3pk, gsi3sk, created_at, updated_at"

// GetItem fetches a single item by primary key.
func (p *Postgres) GetItem(ctx context.Context, key Key) (*Item, error) {
	row := p.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE pk = $1 AND sk = $2", itemColumns, p.table),
		key.PK, key.SK)
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewError(KindNotFound, "GetItem", fmt.Errorf("%s / %s", key.PK, key.SK))
		}
		return nil, p.classify("GetItem", err)
	}
	return it, nil
}

// PutItem overwrites the item wholesale.
func (p *Postgres) PutItem(ctx context.Context, item Item, cond *Condition) error {
	return p.inTx(ctx, "PutItem", func(tx *sql.Tx) error {
		cur, err := p.lockRow(ctx, tx, item.Key)
		if err != nil {
			return err
		}
		if err := evalCondition("PutItem", item.Key, cur, cond); err != nil {
			return err
		}
		return p.writeRow(ctx, tx, &item, cur != nil)
	})
}

// UpdateItem applies the update under a row lock and returns the
// post-update item (including post-increment counter values).
func (p *Postgres) UpdateItem(ctx context.Context, key Key, upd Update) (*Item, error) {
	var out *Item
	err := p.inTx(ctx, "UpdateItem", func(tx *sql.Tx) error {
		var err error
		out, err = p.applyUpdate(ctx, tx, "UpdateItem", key, upd)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteItem removes the item; deleting a missing item without an
// existence guard is a no-op.
func (p *Postgres) DeleteItem(ctx context.Context, key Key, cond *Condition) error {
	return p.inTx(ctx, "DeleteItem", func(tx *sql.Tx) error {
		cur, err := p.lockRow(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := evalCondition("DeleteItem", key, cur, cond); err != nil {
			return err
		}
		if cur == nil {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE pk = $1 AND sk = $2", p.table), key.PK, key.SK)
		if err != nil {
			return p.classify("DeleteItem", err)
		}
		return nil
	})
}

// TransactWrite applies all items in one SQL transaction. A non-empty
// token already recorded in the token table turns the call into a no-op.
func (p *Postgres) TransactWrite(ctx context.Context, token string, items []TransactItem) error {
	seen := make(map[Key]struct{}, len(items))
	for _, ti := range items {
		if _, dup := seen[ti.Key]; dup {
			return NewError(KindValidation, "TransactWrite",
				fmt.Errorf("duplicate key %s / %s in transaction", ti.Key.PK, ti.Key.SK))
		}
		seen[ti.Key] = struct{}{}
	}

	return p.inTx(ctx, "TransactWrite", func(tx *sql.Tx) error {
		if token != "" {
			res, err := tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO %s (token) VALUES ($1) ON CONFLICT (token) DO NOTHING", p.tokensTable),
				token)
			if err != nil {
				return p.classify("TransactWrite", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				// Token already applied: idempotent success.
				return errTokenApplied
			}
		}

		// Lock in key order so concurrent transactions never deadlock.
		ordered := make([]TransactItem, len(items))
		copy(ordered, items)
		sort.Slice(ordered, func(i, j int) bool {
			if ordered[i].Key.PK != ordered[j].Key.PK {
				return ordered[i].Key.PK < ordered[j].Key.PK
			}
			return ordered[i].Key.SK < ordered[j].Key.SK
		})

		current := make(map[Key]*Item, len(ordered))
		for _, ti := range ordered {
			cur, err := p.lockRow(ctx, tx, ti.Key)
			if err != nil {
				return err
			}
			current[ti.Key] = cur
		}

		// All conditions first, then all mutations.
		for _, ti := range ordered {
			cond := ti.Condition
			if ti.Update != nil {
				cond = ti.Update.Condition
				if !ti.Update.Upsert && current[ti.Key] == nil {
					return NewError(KindNotFound, "TransactWrite", fmt.Errorf("%s / %s", ti.Key.PK, ti.Key.SK))
				}
			}
			if err := evalCondition("TransactWrite", ti.Key, current[ti.Key], cond); err != nil {
				return err
			}
		}
		for _, ti := range items {
			if ti.Delete {
				if current[ti.Key] == nil {
					continue
				}
				if _, err := tx.ExecContext(ctx,
					fmt.Sprintf("DELETE FROM %s WHERE pk = $1 AND sk = $2", p.table),
					ti.Key.PK, ti.Key.SK); err != nil {
					return p.classify("TransactWrite", err)
				}
				continue
			}
			if ti.Update != nil {
				next := mergeUpdate(ti.Key, current[ti.Key], *ti.Update)
				if err := p.writeRow(ctx, tx, next, current[ti.Key] != nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// errTokenApplied short-circuits a transact whose token was already
// recorded; inTx converts it to a committed no-op.
var errTokenApplied = errors.New("request token already applied")

// Query ranges over one index partition in sort-key order with keyset
// pagination (the cursor is the last sort key of the previous page).
func (p *Postgres) Query(ctx context.Context, in QueryInput) (*QueryOutput, error) {
	pkCol, skCol := indexColumns(in.Index)

	var sb strings.Builder
	args := []any{in.Partition}
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE %s = $1", itemColumns, p.table, pkCol)
	if in.SKPrefix != "" {
		args = append(args, escapeLike(in.SKPrefix)+"%")
		fmt.Fprintf(&sb, " AND %s LIKE $%d", skCol, len(args))
	}
	if in.Cursor != "" {
		args = append(args, in.Cursor)
		if in.Forward {
			fmt.Fprintf(&sb, " AND %s > $%d", skCol, len(args))
		} else {
			fmt.Fprintf(&sb, " AND %s < $%d", skCol, len(args))
		}
	}
	if in.EntityType != "" {
		args = append(args, in.EntityType)
		fmt.Fprintf(&sb, " AND entity_type = $%d", len(args))
	}
	dir := "DESC"
	if in.Forward {
		dir = "ASC"
	}
	fmt.Fprintf(&sb, " ORDER BY %s %s", skCol, dir)
	if in.Limit > 0 {
		args = append(args, in.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, p.classify("Query", err)
	}
	defer func() { _ = rows.Close() }()

	out := &QueryOutput{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, p.classify("Query", err)
		}
		out.Items = append(out.Items, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, p.classify("Query", err)
	}
	if in.Limit > 0 && len(out.Items) == in.Limit {
		_, sk := itemIndexKeys(&out.Items[len(out.Items)-1], in.Index)
		out.NextCursor = sk
	}
	return out, nil
}

// BatchGet fetches the existing items among keys; missing keys are
// omitted from the result.
func (p *Postgres) BatchGet(ctx context.Context, keys []Key) ([]Item, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var sb strings.Builder
	args := make([]any, 0, len(keys)*2)
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE (pk, sk) IN (", itemColumns, p.table)
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		args = append(args, k.PK, k.SK)
		fmt.Fprintf(&sb, "($%d, $%d)", len(args)-1, len(args))
	}
	sb.WriteString(")")

	rows, err := p.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, p.classify("BatchGet", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, p.classify("BatchGet", err)
		}
		out = append(out, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, p.classify("BatchGet", err)
	}
	return out, nil
}

// ────────────────────────────────────────────────────────────
// Internals
// ────────────────────────────────────────────────────────────

func (p *Postgres) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return p.classify(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, errTokenApplied) {
			return nil
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return p.classify(op, err)
	}
	return nil
}

func (p *Postgres) lockRow(ctx context.Context, tx *sql.Tx, key Key) (*Item, error) {
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE pk = $1 AND sk = $2 FOR UPDATE", itemColumns, p.table),
		key.PK, key.SK)
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, p.classify("lock", err)
	}
	return it, nil
}

func (p *Postgres) applyUpdate(ctx context.Context, tx *sql.Tx, op string, key Key, upd Update) (*Item, error) {
	cur, err := p.lockRow(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if err := evalCondition(op, key, cur, upd.Condition); err != nil {
		return nil, err
	}
	if cur == nil && !upd.Upsert {
		return nil, NewError(KindNotFound, op, fmt.Errorf("%s / %s", key.PK, key.SK))
	}
	next := mergeUpdate(key, cur, upd)
	if err := p.writeRow(ctx, tx, next, cur != nil); err != nil {
		return nil, err
	}
	return next, nil
}

func (p *Postgres) writeRow(ctx context.Context, tx *sql.Tx, it *Item, exists bool) error {
	attrs, err := json.Marshal(nonNilAttrs(it.Attrs))
	if err != nil {
		return NewError(KindValidation, "write", err)
	}
	counters, err := json.Marshal(nonNilCounters(it.Counters))
	if err != nil {
		return NewError(KindValidation, "write", err)
	}
	if exists {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET
			entity_type = $3, attrs = $4, counters = $5,
			gsi1pk = $6, gsi1sk = $7, gsi2pk = $8, gsi2sk = $9, gsi3pk = $10, gsi3sk = $11,
			updated_at = now()
			WHERE pk = $1 AND sk = $2`, p.table),
			it.PK, it.SK, it.EntityType, attrs, counters,
			it.Index.GSI1PK, it.Index.GSI1SK, it.Index.GSI2PK, it.Index.GSI2SK,
			it.Index.GSI3PK, it.Index.GSI3SK)
	} else {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s
			(pk, sk, entity_type, attrs, counters, gsi1pk, gsi1sk, gsi2pk, gsi2sk, gsi3pk, gsi3sk)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, p.table),
			it.PK, it.SK, it.EntityType, attrs, counters,
			it.Index.GSI1PK, it.Index.GSI1SK, it.Index.GSI2PK, it.Index.GSI2SK,
			it.Index.GSI3PK, it.Index.GSI3SK)
	}
	if err != nil {
		return p.classify("write", err)
	}
	return nil
}

// mergeUpdate computes the post-update row in Go; atomicity comes from
// the row lock held by the caller.
func mergeUpdate(key Key, cur *Item, upd Update) *Item {
	next := &Item{Key: key, EntityType: upd.EntityType, Attrs: map[string]any{}, Counters: map[string]int64{}}
	if cur != nil {
		next.EntityType = cur.EntityType
		next.Index = cur.Index
		for k, v := range cur.Attrs {
			next.Attrs[k] = v
		}
		for k, v := range cur.Counters {
			next.Counters[k] = v
		}
		if next.EntityType == "" {
			next.EntityType = upd.EntityType
		}
	}
	for k, v := range upd.Set {
		next.Attrs[k] = v
	}
	for k, d := range upd.Add {
		next.Counters[k] += d
	}
	for _, idx := range upd.ClearIndex {
		clearIndexKeys(&next.Index, idx)
	}
	if upd.Index != nil {
		applyIndexKeys(&next.Index, upd.Index)
	}
	return next
}

func evalCondition(op string, key Key, cur *Item, cond *Condition) error {
	if cond == nil {
		return nil
	}
	exists := cur != nil
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
		if cur.Attr(k) != want {
			return NewError(KindConditionFailed, op, fmt.Errorf("attr %s != %q", k, want))
		}
	}
	for k, want := range cond.CounterEQ {
		if cur.Counter(k) != want {
			return NewError(KindConditionFailed, op, fmt.Errorf("counter %s != %d", k, want))
		}
	}
	for k, floor := range cond.CounterGT {
		if cur.Counter(k) <= floor {
			return NewError(KindConditionFailed, op, fmt.Errorf("counter %s <= %d", k, floor))
		}
	}
	return nil
}

// classify maps driver errors onto the store taxonomy. Serialization
// and deadlock failures retry as transaction conflicts; resource
// exhaustion (class 53) as throttling; connection failures (class 08,
// net errors) as transient IO.
func (p *Postgres) classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return NewError(KindTransactionConflict, op, err)
		case strings.HasPrefix(pgErr.Code, "53"):
			return NewError(KindThrottled, op, err)
		case strings.HasPrefix(pgErr.Code, "08"):
			return NewError(KindTransientIO, op, err)
		case pgErr.Code == "23505":
			return NewError(KindConditionFailed, op, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTransientIO, op, err)
	}
	return NewError(KindFatal, op, err)
}

func indexColumns(idx Index) (pkCol, skCol string) {
	switch idx {
	case IndexPrimary:
		return "pk", "sk"
	case Index1:
		return "gsi1pk", "gsi1sk"
	case Index2:
		return "gsi2pk", "gsi2sk"
	default:
		return "gsi3pk", "gsi3sk"
	}
}

func itemIndexKeys(it *Item, idx Index) (pk, sk string) {
	return indexKeysOf(it, idx)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nonNilAttrs(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilCounters(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (*Item, error) {
	var it Item
	var attrs, counters []byte
	err := r.Scan(&it.PK, &it.SK, &it.EntityType, &attrs, &counters,
		&it.Index.GSI1PK, &it.Index.GSI1SK, &it.Index.GSI2PK, &it.Index.GSI2SK,
		&it.Index.GSI3PK, &it.Index.GSI3SK, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attrs, &it.Attrs); err != nil {
		return nil, fmt.Errorf("decoding attrs: %w", err)
	}
	if err := json.Unmarshal(counters, &it.Counters); err != nil {
		return nil, fmt.Errorf("decoding counters: %w", err)
	}
	return &it, nil
}

package dbjob

import (
	"database/sql"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// colKind classifies the strategy for scanning a result column into a struct field.
type colKind uint8

const (
	ckSink    colKind = iota // column is unmatched, scan into sink
	ckScanner                // field implements sql.Scanner
	ckPtr                    // field is *T (we use a **T holder)
	ckValue                  // direct value field
)

var scanPlanCache = newPlanCache(cacheSize)

// scanPlan is the immutable mapping plan for one (target type, column
// schema, override table) triple: per column, the strategy and the field
// index path. Safe to reuse across cursors with an identical schema.
type scanPlan struct {
	kinds         []colKind
	fPath         [][]int
	fName         []string // display name of the bound field, for diagnostics
	ptrIdx        []int
	ptrFieldTypes []reflect.Type // for ckPtr: field reflect.Type (which is a pointer type *T)
}

// scanState holds per-scan mutable buffers. It is created from a cached
// scanPlan and is not shared across goroutines.
type scanState struct {
	targets []any
	sinks   []any
	holders []reflect.Value
}

// newState allocates per-scan buffers sized to the plan's column count.
// Buffers are private to one scan loop and reused across its rows.
func (p *scanPlan) newState() *scanState {
	n := len(p.kinds)
	st := &scanState{
		targets: make([]any, n),
		sinks:   make([]any, n),
		holders: make([]reflect.Value, n),
	}
	// Prepare addressable sinks so rows.Scan() always has a valid destination.
	for i := 0; i < n; i++ {
		st.sinks[i] = new(any)
	}
	// Pre-create **T holders (one per ckPtr column) for reuse across row scans.
	for _, i := range p.ptrIdx {
		ft := p.ptrFieldTypes[i]        // ft is a *T
		st.holders[i] = reflect.New(ft) // **T
	}
	return st
}

// buildScanPlan binds each result column to a field of dstT. Matching is
// case-insensitive on `db` tag or field name; a caller-supplied column →
// field override takes precedence over name matching. Unmatched columns are
// sunk; unmatched fields keep their zero value.
func buildScanPlan(cols []string, dstT reflect.Type, overrides map[string]string) (*scanPlan, error) {
	for dstT.Kind() == reflect.Pointer {
		dstT = dstT.Elem()
	}

	info := structInfoOf(dstT)

	p := &scanPlan{
		kinds:         make([]colKind, len(cols)),
		fPath:         make([][]int, len(cols)),
		fName:         make([]string, len(cols)),
		ptrIdx:        make([]int, 0, 8),
		ptrFieldTypes: make([]reflect.Type, len(cols)),
	}

	for i, col := range cols {
		key := strings.ToLower(col)
		fi, ok := info.byName[key]
		if target, has := overrides[key]; has {
			// Explicit override wins over name matching.
			fi, ok = info.byName[strings.ToLower(target)]
			if !ok {
				return nil, newError(KindMapping, "mapper",
					fmt.Errorf("%w: column %q -> field %q on %s", ErrUnknownField, col, target, dstT))
			}
		}
		if !ok {
			// Column not mapped to any field -> sink it.
			p.kinds[i] = ckSink
			continue
		}
		if fi.ambiguous {
			// Multiple candidate fields fold to the same name.
			return nil, newError(KindMapping, "mapper", fmt.Errorf("%w: %q", ErrFieldAmbiguous, col))
		}

		// Leaf field type (after walking the flattened index path).
		sf := dstT.FieldByIndex(fi.index)
		ft := sf.Type
		p.fName[i] = fi.name

		// Case 1: field implements sql.Scanner (via value or pointer receiver).
		if reflect.PointerTo(ft).Implements(scannerIface) || ft.Implements(scannerIface) {
			p.kinds[i] = ckScanner
			p.fPath[i] = fi.index
			continue
		}

		// Case 2: pointer field (*T) scanned via a **T holder and copied post-scan.
		if ft.Kind() == reflect.Pointer {
			p.kinds[i] = ckPtr
			p.fPath[i] = fi.index
			p.ptrFieldTypes[i] = ft // keep *T to allocate **T holder in state
			p.ptrIdx = append(p.ptrIdx, i)
			continue
		}

		// Case 3: plain value field.
		p.kinds[i] = ckValue
		p.fPath[i] = fi.index
	}

	return p, nil
}

// scanRowInto scans the current row into dst (an addressable struct value)
// using the plan and its per-scan state.
func scanRowInto(rows *sql.Rows, cols []string, dst reflect.Value, plan *scanPlan, st *scanState) error {
	for i := range cols {
		switch plan.kinds[i] {
		case ckSink:
			st.targets[i] = st.sinks[i]
		case ckScanner, ckValue:
			fv := fieldByIndexAlloc(dst, plan.fPath[i])
			st.targets[i] = fv.Addr().Interface()
		case ckPtr:
			h := st.holders[i]
			h.Elem().SetZero()
			st.targets[i] = h.Interface()
		}
	}

	if err := rows.Scan(st.targets...); err != nil {
		return mappingError(cols, plan, err)
	}
	for _, i := range plan.ptrIdx {
		setFieldByIndex(dst, plan.fPath[i], st.holders[i].Elem())
	}
	return nil
}

// mappingError attributes a scan failure to the column/field pair when the
// driver error names a column index.
func mappingError(cols []string, plan *scanPlan, err error) error {
	msg := err.Error()
	for i, col := range cols {
		if strings.Contains(msg, fmt.Sprintf("column index %d", i)) {
			field := plan.fName[i]
			if field == "" {
				field = "(sink)"
			}
			return newError(KindMapping, "mapper",
				fmt.Errorf("%w: column %q -> field %q: %v", ErrColumnTypeMismatch, col, field, err))
		}
	}
	return newError(KindMapping, "mapper", fmt.Errorf("%w: %v", ErrColumnTypeMismatch, err))
}

// fieldByIndexAlloc walks a struct by index path, allocating intermediate
// pointer nodes on the way (but NOT allocating the leaf pointer itself).
func fieldByIndexAlloc(root reflect.Value, path []int) reflect.Value {
	v := root
	for i, idx := range path {
		f := v.Field(idx)
		if i == len(path)-1 {
			// Leaf: return field as-is (if it's a pointer, keep it as pointer)
			return f
		}
		// Intermediate: allocate if pointer and nil; then descend
		if f.Kind() == reflect.Pointer {
			if f.IsNil() {
				f.Set(reflect.New(f.Type().Elem()))
			}
			v = f.Elem()
		} else {
			v = f
		}
	}
	return v
}

// setFieldByIndex sets value into the field at path on root,
// allocating any intermediate pointer nodes. 'value' is typically *T.
func setFieldByIndex(root reflect.Value, path []int, value reflect.Value) {
	v := root
	for i, idx := range path {
		f := v.Field(idx)
		if i == len(path)-1 {
			f.Set(value)
			return
		}
		if f.Kind() == reflect.Pointer {
			if f.IsNil() {
				f.Set(reflect.New(f.Type().Elem()))
			}
			v = f.Elem()
		} else {
			v = f
		}
	}
}

// --------------------------------
// Row decoder
// --------------------------------

type decodeKind uint8

const (
	dkStruct decodeKind = iota
	dkPtrStruct
	dkScalar
	dkRecord
)

// rowDecoder decodes successive rows of one result segment into T values.
// Built once per segment; not safe for concurrent use.
type rowDecoder[T any] struct {
	kind    decodeKind
	cols    []string
	plan    *scanPlan
	st      *scanState
	structT reflect.Type
}

// newRowDecoder inspects T against the segment's column schema and prepares
// the mapping plan. T may be a struct or *struct (name-matched fields), a
// Record (every column retained), or a primitive / sql.Scanner type
// (single-column segments only).
func newRowDecoder[T any](rows *sql.Rows, overrides map[string]string) (*rowDecoder[T], error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, newError(KindMapping, "mapper", err)
	}
	d := &rowDecoder[T]{cols: cols}

	t := reflect.TypeFor[T]()
	if t == reflect.TypeFor[Record]() {
		d.kind = dkRecord
		return d, nil
	}

	base := t
	isPtr := base.Kind() == reflect.Pointer
	if isPtr {
		base = base.Elem()
	}

	if reflect.PointerTo(base).Implements(scannerIface) || base.Implements(scannerIface) {
		if len(cols) != 1 {
			return nil, singleColumnError(t, len(cols))
		}
		d.kind = dkScalar
		return d, nil
	}

	if base.Kind() == reflect.Struct && !isLeafValue(base) {
		plan, err := getScanPlan(cols, base, overrides)
		if err != nil {
			return nil, err
		}
		d.plan = plan
		d.st = plan.newState()
		d.structT = base
		if isPtr {
			d.kind = dkPtrStruct
		} else {
			d.kind = dkStruct
		}
		return d, nil
	}

	if len(cols) != 1 {
		return nil, singleColumnError(t, len(cols))
	}
	d.kind = dkScalar
	return d, nil
}

func singleColumnError(t reflect.Type, got int) error {
	return newError(KindMapping, "mapper",
		fmt.Errorf("%w: scan into %s requires 1 column, got %d", ErrColumnTypeMismatch, t, got))
}

// decode reads the current row. rows.Next must have reported true.
func (d *rowDecoder[T]) decode(rows *sql.Rows) (T, error) {
	var v T
	switch d.kind {
	case dkRecord:
		rec, err := scanRecord(rows, d.cols)
		if err != nil {
			return v, err
		}
		return any(rec).(T), nil
	case dkScalar:
		if err := rows.Scan(&v); err != nil {
			return v, newError(KindMapping, "mapper",
				fmt.Errorf("%w: column %q: %v", ErrColumnTypeMismatch, d.cols[0], err))
		}
		return v, nil
	case dkPtrStruct:
		ptr := reflect.New(d.structT)
		if err := scanRowInto(rows, d.cols, ptr.Elem(), d.plan, d.st); err != nil {
			return v, err
		}
		return ptr.Interface().(T), nil
	default: // dkStruct
		rv := reflect.ValueOf(&v).Elem()
		if err := scanRowInto(rows, d.cols, rv, d.plan, d.st); err != nil {
			return v, err
		}
		return v, nil
	}
}

// scanRecord reads the current row with every column retained. Byte slices
// are copied out of driver-owned buffers.
func scanRecord(rows *sql.Rows, cols []string) (Record, error) {
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return Record{}, newError(KindMapping, "mapper", fmt.Errorf("%w: %v", ErrColumnTypeMismatch, err))
	}
	for i, v := range vals {
		if b, ok := v.([]byte); ok {
			vals[i] = append([]byte(nil), b...)
		}
	}
	return newRecord(cols, vals), nil
}

// --------------------------------
// Cache
// --------------------------------

// planKey identifies a scanPlan by destination struct type, the column
// signature, and the override table signature.
type planKey struct {
	dstType reflect.Type
	sig     string
}

// planCache implements a two-tier cache for scanPlan, rotating the hot and
// previous generations to bound memory.
type planCache struct {
	mu   sync.RWMutex
	curr map[planKey]*scanPlan
	prev map[planKey]*scanPlan
	max  int
}

func newPlanCache(max int) *planCache {
	if max <= 0 {
		max = cacheSize
	}
	return &planCache{
		curr: make(map[planKey]*scanPlan, max/2),
		prev: make(map[planKey]*scanPlan),
		max:  max,
	}
}

// get returns the cached scanPlan for key if present, promoting it to the
// current generation when found in the previous one.
func (c *planCache) get(k planKey) (*scanPlan, bool) {
	c.mu.RLock()
	if p, ok := c.curr[k]; ok {
		c.mu.RUnlock()
		return p, true
	}
	if p, ok := c.prev[k]; ok {
		c.mu.RUnlock()
		c.mu.Lock()
		if len(c.curr) >= c.max {
			c.prev = c.curr
			c.curr = make(map[planKey]*scanPlan, c.max/2)
		}
		c.curr[k] = p
		c.mu.Unlock()
		return p, true
	}
	c.mu.RUnlock()
	return nil, false
}

// put stores the scanPlan for the given key, rotating generations if needed.
func (c *planCache) put(k planKey, p *scanPlan) {
	c.mu.Lock()
	if len(c.curr) >= c.max {
		c.prev = c.curr
		c.curr = make(map[planKey]*scanPlan, c.max/2)
	}
	c.curr[k] = p
	c.mu.Unlock()
}

// planSignature returns a stable signature for the ordered column list plus
// the override table. The unit separator keeps names from colliding.
func planSignature(cols []string, overrides map[string]string) string {
	const sep = "\x1f"
	var b strings.Builder
	total := 0
	for _, c := range cols {
		total += len(c) + 1
	}
	b.Grow(total)
	for i, c := range cols {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(c)
	}
	if len(overrides) > 0 {
		keys := make([]string, 0, len(overrides))
		for k := range overrides {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("\x1e")
			b.WriteString(k)
			b.WriteString(sep)
			b.WriteString(overrides[k])
		}
	}
	return b.String()
}

// canonicalStructType returns the underlying struct type for a possibly-pointer type.
func canonicalStructType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// getScanPlan returns a cached scanPlan for (dst struct type, cols,
// overrides), or builds and caches it. The returned plan is immutable and
// safe for concurrent reuse.
func getScanPlan(cols []string, dstT reflect.Type, overrides map[string]string) (*scanPlan, error) {
	dstT = canonicalStructType(dstT)
	key := planKey{dstType: dstT, sig: planSignature(cols, overrides)}
	if p, ok := scanPlanCache.get(key); ok {
		return p, nil
	}
	p, err := buildScanPlan(cols, dstT, overrides)
	if err != nil {
		return nil, err
	}
	scanPlanCache.put(key, p)
	return p, nil
}

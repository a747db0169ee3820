package dbjob

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Direction declares how a parameter travels through the command.
type Direction int

const (
	In Direction = iota
	Out
	InOut
	Return
)

// Param is one normalized parameter descriptor: a unique name (case rules
// per driver, matched case-insensitively here), a direction, an optional
// declared type hint (rendered as a cast in stored-procedure calls on
// dialects with cast syntax), and the current value.
type Param struct {
	Name      string
	Value     any
	Direction Direction
	TypeHint  string
}

// ParamSet is an ordered set of parameter descriptors. Binding has no
// ordering requirement, but insertion order is preserved for display and
// for positional stored-procedure calls. Names are unique; at most one
// anonymous (flat value) descriptor is allowed.
type ParamSet struct {
	params []Param
	index  map[string]int // lower-cased name -> position in params
	anon   int            // position of the anonymous descriptor, or -1
}

// NewParamSet returns an empty parameter set.
func NewParamSet() *ParamSet {
	return &ParamSet{index: make(map[string]int, 8), anon: -1}
}

// Add appends p, rejecting case-insensitive name collisions with
// ErrDuplicateParam. A Param with an empty name is the set's single
// anonymous flat value.
func (s *ParamSet) Add(p Param) error {
	if p.Name == "" {
		if s.anon >= 0 {
			return newError(KindBinding, "binder", fmt.Errorf("%w: second anonymous value", ErrDuplicateParam))
		}
		s.anon = len(s.params)
		s.params = append(s.params, p)
		return nil
	}
	key := strings.ToLower(p.Name)
	if _, exists := s.index[key]; exists {
		return newError(KindBinding, "binder", fmt.Errorf("%w: %q", ErrDuplicateParam, p.Name))
	}
	s.index[key] = len(s.params)
	s.params = append(s.params, p)
	return nil
}

// Get returns the descriptor for name (case-insensitive).
func (s *ParamSet) Get(name string) (Param, bool) {
	if i, ok := s.index[strings.ToLower(name)]; ok {
		return s.params[i], true
	}
	return Param{}, false
}

// Anonymous returns the flat-value descriptor, if one was bound.
func (s *ParamSet) Anonymous() (Param, bool) {
	if s.anon < 0 {
		return Param{}, false
	}
	return s.params[s.anon], true
}

// Params returns the descriptors in insertion order.
func (s *ParamSet) Params() []Param {
	out := make([]Param, len(s.params))
	copy(out, s.params)
	return out
}

// Len returns the number of descriptors in the set.
func (s *ParamSet) Len() int { return len(s.params) }

// BindOptions restrict and rename the parameters extracted from one source.
type BindOptions struct {
	// Include keeps only the listed names (matched case-insensitively,
	// before Prefix/Suffix are applied). Empty means keep everything.
	Include []string
	// Exclude drops the listed names (matched case-insensitively).
	Exclude []string
	// Prefix and Suffix wrap every emitted name.
	Prefix string
	Suffix string
}

func (o BindOptions) keeps(name string) bool {
	lower := strings.ToLower(name)
	for _, x := range o.Exclude {
		if strings.ToLower(x) == lower {
			return false
		}
	}
	if len(o.Include) == 0 {
		return true
	}
	for _, x := range o.Include {
		if strings.ToLower(x) == lower {
			return true
		}
	}
	return false
}

func (o BindOptions) rename(name string) string {
	return o.Prefix + name + o.Suffix
}

// bindSource decomposes one input into descriptors appended to dst.
// Supported sources: nil, Param, *ParamSet, string-keyed maps, structs
// (flattened, `db` tags honored), and flat scalar values. A bare
// slice/array cannot be decomposed into named fields and fails with
// ErrUnsupportedParamShape; slices remain valid as the *value* of a single
// named parameter (IN expansion). Pure transform, no I/O.
func bindSource(dst *ParamSet, src any, opts BindOptions) error {
	switch v := src.(type) {
	case nil:
		return nil
	case Param:
		if v.Name != "" {
			if !opts.keeps(v.Name) {
				return nil
			}
			v.Name = opts.rename(v.Name)
		}
		return dst.Add(v)
	case *ParamSet:
		for _, p := range v.params {
			if p.Name != "" {
				if !opts.keeps(p.Name) {
					continue
				}
				p.Name = opts.rename(p.Name)
			}
			if err := dst.Add(p); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		// FAST-PATH for the common bag shape; sorted for a deterministic
		// insertion order.
		names := make([]string, 0, len(v))
		for name := range v {
			if opts.keeps(name) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			if err := dst.Add(Param{Name: opts.rename(name), Value: v[name]}); err != nil {
				return err
			}
		}
		return nil
	}

	rv := deIndirect(reflect.ValueOf(src))
	if !rv.IsValid() {
		return nil
	}

	switch rv.Kind() {
	case reflect.Map:
		return bindMap(dst, rv, opts)
	case reflect.Struct:
		if isLeafValue(rv.Type()) {
			// time.Time, driver.Valuer structs: flat value.
			return dst.Add(Param{Value: src})
		}
		return bindStruct(dst, rv, opts)
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			// []byte binds as a single flat value.
			return dst.Add(Param{Value: src})
		}
		return newError(KindBinding, "binder",
			fmt.Errorf("%w: %T (bind sequences as the value of a named parameter)", ErrUnsupportedParamShape, src))
	case reflect.Chan, reflect.Func:
		return newError(KindBinding, "binder", fmt.Errorf("%w: %T", ErrUnsupportedParamShape, src))
	default:
		// Flat scalar value: the command's single unresolved placeholder.
		return dst.Add(Param{Value: src})
	}
}

// bindMap emits descriptors for any map with string-convertible keys,
// sorted by name for deterministic order.
func bindMap(dst *ParamSet, rv reflect.Value, opts BindOptions) error {
	keyT := rv.Type().Key()
	if keyT.Kind() != reflect.String && !keyT.ConvertibleTo(reflect.TypeOf("")) {
		return newError(KindBinding, "binder",
			fmt.Errorf("%w: map keyed by %s", ErrUnsupportedParamShape, keyT))
	}
	type entry struct {
		name string
		val  any
	}
	entries := make([]entry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		name := iter.Key().Convert(reflect.TypeOf("")).Interface().(string)
		if !opts.keeps(name) {
			continue
		}
		entries = append(entries, entry{name: name, val: iter.Value().Interface()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	for _, e := range entries {
		if err := dst.Add(Param{Name: opts.rename(e.name), Value: e.val}); err != nil {
			return err
		}
	}
	return nil
}

// bindStruct emits one descriptor per exported leaf field, in declaration
// order, flattening nested structs the way the mapper matches them.
func bindStruct(dst *ParamSet, rv reflect.Value, opts BindOptions) error {
	info := structInfoOf(rv.Type())
	for _, f := range info.fields {
		if !opts.keeps(f.name) {
			continue
		}
		if f.ambiguous {
			return newError(KindBinding, "binder", fmt.Errorf("%w: %q", ErrFieldAmbiguous, f.name))
		}
		val, _ := getValueByPathAny(rv, f.index)
		if f.scalar {
			val = scalar{v: val}
		}
		if err := dst.Add(Param{Name: opts.rename(f.name), Value: val}); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------
// Struct introspection
// --------------------------------

// scalar is a wrapper to force scalar binding semantics.
type scalar struct {
	v any
}

// Scalar wraps a value to force it to be treated as a single scalar argument
// even if it is a slice/array. Useful for ANY(:ids)-style idioms.
func Scalar(v any) any {
	return scalar{v: v}
}

var scannerIface = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
var valuerIface = reflect.TypeOf((*driver.Valuer)(nil)).Elem()

// fieldInfo describes one exported leaf field: its display name, full index
// path, and whether the `db` tag forces scalar binding. ambiguous is set
// when two fields fold to the same lower-cased name.
type fieldInfo struct {
	name      string // display name (tag name or Go field name)
	index     []int  // full index path for FieldByIndex-like ops
	scalar    bool
	ambiguous bool
}

// structInfo is the cached decomposition of one struct type: leaf fields in
// declaration order plus a case-folded lookup table.
type structInfo struct {
	fields []fieldInfo
	byName map[string]fieldInfo // lower-cased name -> field
}

var structInfoCache = newStructCache(cacheSize)

// structInfoOf returns the cached decomposition for t. It flattens nested
// structs (excluding time.Time and sql.Scanner/driver.Valuer leaves),
// honors `db:"name"` tags, `db:"-"` exclusion, and `db:"name,scalar"`.
func structInfoOf(t reflect.Type) *structInfo {
	if si, ok := structInfoCache.get(t); ok {
		return si
	}

	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	si := &structInfo{byName: make(map[string]fieldInfo)}
	if base.Kind() != reflect.Struct {
		structInfoCache.put(t, si)
		return si
	}

	visited := map[reflect.Type]bool{}
	var walk func(rt reflect.Type, path []int)

	walk = func(rt reflect.Type, path []int) {
		for rt.Kind() == reflect.Pointer {
			rt = rt.Elem()
		}
		if rt.Kind() != reflect.Struct {
			return
		}
		if visited[rt] {
			return
		}
		visited[rt] = true
		defer delete(visited, rt)

		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if f.PkgPath != "" { // unexported
				continue
			}
			tag := f.Tag.Get("db")
			if tag == "-" {
				continue
			}
			name := f.Name
			forceScalar := false
			if tag != "" {
				parts := strings.Split(tag, ",")
				if parts[0] != "" {
					name = parts[0]
				}
				for _, p := range parts[1:] {
					if strings.TrimSpace(p) == "scalar" {
						forceScalar = true
					}
				}
			}

			if shouldFlatten(f.Type) {
				nextT := f.Type
				if nextT.Kind() == reflect.Pointer {
					nextT = nextT.Elem()
				}
				walk(nextT, appendIndex(path, i))
				continue
			}

			fi := fieldInfo{name: name, index: appendIndex(path, i), scalar: forceScalar}
			key := strings.ToLower(name)
			if prev, exists := si.byName[key]; exists {
				// Mark both sides ambiguous; index is irrelevant once ambiguous.
				if !prev.ambiguous {
					prev.ambiguous = true
					si.byName[key] = prev
					for j := range si.fields {
						if strings.ToLower(si.fields[j].name) == key {
							si.fields[j].ambiguous = true
						}
					}
				}
				fi.ambiguous = true
				si.fields = append(si.fields, fi)
				continue
			}
			si.byName[key] = fi
			si.fields = append(si.fields, fi)
		}
	}

	walk(base, nil)
	structInfoCache.put(t, si)
	return si
}

// shouldFlatten decides whether to descend into ft (struct or *struct).
func shouldFlatten(ft reflect.Type) bool {
	if isLeafValue(ft) {
		return false
	}
	tt := ft
	if tt.Kind() == reflect.Pointer {
		tt = tt.Elem()
	}
	return tt.Kind() == reflect.Struct
}

// isLeafValue reports whether t is a struct type bound as a single value:
// time.Time, sql.Scanner, or driver.Valuer implementations.
func isLeafValue(t reflect.Type) bool {
	if reflect.PointerTo(t).Implements(scannerIface) || t.Implements(scannerIface) {
		return true
	}
	if t.Implements(valuerIface) {
		return true
	}
	tt := t
	if tt.Kind() == reflect.Pointer {
		tt = tt.Elem()
	}
	return tt.PkgPath() == "time" && tt.Name() == "Time"
}

// appendIndex returns a new index path with idx appended.
func appendIndex(path []int, idx int) []int {
	out := make([]int, len(path)+1)
	copy(out, path)
	out[len(path)] = idx
	return out
}

// deIndirect unwraps interface and pointers until a concrete value (or nil).
func deIndirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return v
		}
		v = v.Elem()
	}
	return v
}

// getValueByPathAny extracts the value at the end of 'path' from 'root'.
// If a pointer along the path is nil, it returns (nil, true) to represent
// SQL NULL. Returns (value, true) on success, or (nil, false) on structural
// mismatch.
func getValueByPathAny(root reflect.Value, path []int) (any, bool) {
	v := root
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, true
		}
		v = v.Elem()
	}
	for i, idx := range path {
		for v.IsValid() && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				return nil, true
			}
			v = v.Elem()
		}
		if !v.IsValid() || v.Kind() != reflect.Struct {
			return nil, false
		}
		v = v.Field(idx)
		if i == len(path)-1 {
			for v.IsValid() && v.Kind() == reflect.Interface {
				if v.IsNil() {
					return nil, true
				}
				v = v.Elem()
			}
			if v.Kind() == reflect.Pointer && v.IsNil() {
				return nil, true
			}
			return v.Interface(), true
		}
	}
	return nil, false
}

// --------------------------------
// Cache
// --------------------------------

// structCache implements a two-tier map with cheap rotation to bound memory.
// 'curr' is the hot set; 'prev' is the previous generation. Lookups promote.
type structCache struct {
	mu   sync.RWMutex
	curr map[reflect.Type]*structInfo
	prev map[reflect.Type]*structInfo
	max  int
}

func newStructCache(max int) *structCache {
	if max <= 0 {
		max = cacheSize
	}
	return &structCache{
		curr: make(map[reflect.Type]*structInfo, max/2),
		prev: make(map[reflect.Type]*structInfo),
		max:  max,
	}
}

// get looks up the struct info for type t.
func (c *structCache) get(t reflect.Type) (*structInfo, bool) {
	c.mu.RLock()
	if si, ok := c.curr[t]; ok {
		c.mu.RUnlock()
		return si, true
	}
	if si, ok := c.prev[t]; ok {
		c.mu.RUnlock()
		c.mu.Lock()
		if len(c.curr) >= c.max {
			c.prev = c.curr
			c.curr = make(map[reflect.Type]*structInfo, c.max/2)
		}
		c.curr[t] = si
		c.mu.Unlock()
		return si, true
	}
	c.mu.RUnlock()
	return nil, false
}

// put stores the struct info for type t.
func (c *structCache) put(t reflect.Type, si *structInfo) {
	c.mu.Lock()
	if len(c.curr) >= c.max {
		c.prev = c.curr
		c.curr = make(map[reflect.Type]*structInfo, c.max/2)
	}
	c.curr[t] = si
	c.mu.Unlock()
}

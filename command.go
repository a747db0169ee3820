package dbjob

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// CommandType selects how the job's command source is interpreted.
type CommandType int

const (
	// CommandText is a SQL text command with :name placeholders.
	CommandText CommandType = iota
	// CommandStoredProc is a stored-procedure name called with the bound
	// parameters in insertion order, using dialect call syntax.
	CommandStoredProc
)

// command is the provider-specific executable built once per run from a
// job's configuration and parameter descriptors. It is never reused across
// runs. Construction only; execution belongs to the pipeline.
type command struct {
	query   string
	args    []any
	timeout time.Duration
}

// buildCommand renders the final query and driver arguments. For text
// commands it walks the SQL, substitutes :name placeholders with
// dialect-specific tokens, and expands slice values for IN (...) lists,
// staying inert inside strings, quoted identifiers, comments, and
// dollar-quoted blocks. For stored procedures it renders the dialect call
// syntax around the parameter set.
func buildCommand(d Dialect, cfg Config, ctype CommandType, text string, ps *ParamSet, timeout time.Duration) (*command, error) {
	if strings.TrimSpace(text) == "" {
		return nil, newError(KindConfig, "builder", fmt.Errorf("dbjob: empty command text"))
	}
	if ctype == CommandStoredProc {
		query, args, err := renderProcCall(d, cfg, text, ps)
		if err != nil {
			return nil, err
		}
		return &command{query: query, args: args, timeout: timeout}, nil
	}
	query, args, err := renderText(d, cfg, text, ps)
	if err != nil {
		return nil, err
	}
	return &command{query: query, args: args, timeout: timeout}, nil
}

// renderProcCall renders a stored-procedure invocation with one placeholder
// per descriptor, in insertion order. Out/InOut/Return descriptors are
// forwarded as sql.Out.
func renderProcCall(d Dialect, cfg Config, name string, ps *ParamSet) (string, []any, error) {
	params := ps.Params()
	if cfg.MaxParams > 0 && len(params) > cfg.MaxParams {
		return "", nil, newError(KindConfig, "builder",
			fmt.Errorf("%w: requested=%d, limit=%d", ErrTooManyParams, len(params), cfg.MaxParams))
	}

	var buf strings.Builder
	args := make([]any, 0, len(params))

	switch d {
	case Postgres:
		buf.WriteString("SELECT * FROM ")
	case SQLServer:
		buf.WriteString("EXEC ")
	default: // MySQL, SQLite
		buf.WriteString("CALL ")
	}
	buf.WriteString(name)
	if d != SQLServer {
		buf.WriteByte('(')
	} else {
		buf.WriteByte(' ')
	}
	for i, p := range params {
		if i > 0 {
			buf.WriteString(", ")
		}
		writePlaceholder(&buf, d, i+1)
		if d == Postgres && p.TypeHint != "" {
			buf.WriteString("::")
			buf.WriteString(p.TypeHint)
		}
		args = append(args, argValue(p))
	}
	if d != SQLServer {
		buf.WriteByte(')')
	}
	return buf.String(), args, nil
}

// argValue unwraps the Scalar wrapper and applies the descriptor direction.
func argValue(p Param) any {
	v := p.Value
	if s, ok := v.(scalar); ok {
		v = s.v
	}
	switch p.Direction {
	case Out, Return:
		return sql.Out{Dest: v}
	case InOut:
		return sql.Out{Dest: v, In: true}
	default:
		return v
	}
}

// renderText substitutes :name placeholders, tracking placeholder count and
// emitting dialect-specific tokens. "::" escapes a literal colon.
func renderText(d Dialect, cfg Config, q string, ps *ParamSet) (string, []any, error) {
	// Rough estimate for number of placeholders (not exact, but helps sizing).
	est := strings.Count(q, ":") - strings.Count(q, "::")
	if est < 0 {
		est = 0
	}
	args := make([]any, 0, est)

	var buf strings.Builder
	// Small oversizing to reduce reallocations; some dialects emit longer tokens.
	extraPer := 1
	switch d {
	case Postgres, SQLServer:
		extraPer = 4
	}
	buf.Grow(len(q) + 16 + est*extraPer)

	n := 0
	anonName := "" // placeholder name claimed by the anonymous flat value
	var dqTag string // active dollar-quoted tag (Postgres-like)

	// State machine for safe parsing through strings, comments, identifiers, etc.
	const (
		sText = iota
		sSQ   // '...'
		sDQ   // "..."
		sBT   // `...` (MySQL/SQLite)
		sBR   // [...] (SQL Server)
		sLC   // line comment -- or # (MySQL only)
		sBC   // block comment /* ... */
		sDQD  // $tag$ ... $tag$ (dollar-quoted)
	)
	state := sText

	ensureAdd := func(cur, add int) error {
		if cfg.MaxParams > 0 && cur+add > cfg.MaxParams {
			return newError(KindConfig, "builder",
				fmt.Errorf("%w: requested=%d, limit=%d", ErrTooManyParams, cur+add, cfg.MaxParams))
		}
		return nil
	}

	for i := 0; i < len(q); {
		c := q[i]

		switch state {
		case sText:
			// Enter/exit helper states while preserving the raw text
			if c == '-' && i+1 < len(q) && q[i+1] == '-' {
				state = sLC
				buf.WriteString("--")
				i += 2
				continue
			}
			if c == '#' && d == MySQL {
				state = sLC
				buf.WriteByte('#')
				i++
				continue
			}
			if c == '/' && i+1 < len(q) && q[i+1] == '*' {
				state = sBC
				buf.WriteString("/*")
				i += 2
				continue
			}
			if c == '\'' {
				state = sSQ
				buf.WriteByte(c)
				i++
				continue
			}
			if c == '"' {
				state = sDQ
				buf.WriteByte(c)
				i++
				continue
			}
			if c == '`' && (d == MySQL || d == SQLite) {
				state = sBT
				buf.WriteByte(c)
				i++
				continue
			}
			if c == '[' && d == SQLServer {
				state = sBR
				buf.WriteByte(c)
				i++
				continue
			}
			if c == '$' {
				if tag, ok := readDollarTag(q[i:]); ok {
					state = sDQD
					dqTag = tag
					buf.WriteString(tag)
					i += len(tag)
					continue
				}
			}

			// :name placeholder
			if c == ':' && (i+1) < len(q) && q[i+1] != ':' && !(i > 0 && q[i-1] == ':') {
				j := i + 1
				if isAlphaUnderscore(q[j]) {
					k := j + 1
					for k < len(q) && isAlphaNumUnderscore(q[k]) {
						k++
					}
					name := q[j:k]

					if cfg.MaxNameLen > 0 && len(name) > cfg.MaxNameLen {
						return "", nil, newError(KindConfig, "builder",
							fmt.Errorf("%w: %q (%d > %d)", ErrParamNameTooLong, name, len(name), cfg.MaxNameLen))
					}

					p, ok := ps.Get(name)
					if !ok && (anonName == "" || strings.EqualFold(name, anonName)) {
						// A flat bound value resolves the single unmatched
						// placeholder name of the command; repeats of that
						// name resolve to the same value.
						if ap, aok := ps.Anonymous(); aok {
							p, ok = ap, true
							anonName = name
						}
					}
					if !ok {
						return "", nil, newError(KindBinding, "builder",
							fmt.Errorf("%w: %s", ErrParamMissing, name))
					}

					v := p.Value
					force := false
					if s, isScalar := v.(scalar); isScalar {
						v, force = s.v, true
					}
					switch p.Direction {
					case Out, Return:
						v, force = sql.Out{Dest: v}, true
					case InOut:
						v, force = sql.Out{Dest: v, In: true}, true
					}

					added, err := emitValue(&buf, d, v, force, name, n, ensureAdd, &args)
					if err != nil {
						return "", nil, err
					}
					n += added
					i = k
					continue
				}
			}

			buf.WriteByte(c)
			i++

		case sSQ:
			if c == '\\' {
				buf.WriteByte(c)
				i++
				if i < len(q) {
					buf.WriteByte(q[i])
					i++
				}
				continue
			}
			buf.WriteByte(c)
			i++
			if c == '\'' {
				if i < len(q) && q[i] == '\'' {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sDQ:
			if c == '\\' {
				buf.WriteByte(c)
				i++
				if i < len(q) {
					buf.WriteByte(q[i])
					i++
				}
				continue
			}
			buf.WriteByte(c)
			i++
			if c == '"' {
				if i < len(q) && q[i] == '"' {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sBT:
			buf.WriteByte(c)
			i++
			if c == '`' {
				if i < len(q) && q[i] == '`' {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sBR:
			buf.WriteByte(c)
			i++
			if c == ']' {
				if i < len(q) && q[i] == ']' {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sLC:
			buf.WriteByte(c)
			i++
			if c == '\n' || c == '\r' {
				state = sText
			}

		case sBC:
			buf.WriteByte(c)
			i++
			if c == '*' && i < len(q) && q[i] == '/' {
				buf.WriteByte('/')
				i++
				state = sText
			}

		case sDQD:
			if dqTag == "" {
				buf.WriteString(q[i:])
				i = len(q)
				break
			}
			p := strings.Index(q[i:], dqTag)
			if p < 0 {
				buf.WriteString(q[i:])
				i = len(q)
			} else {
				buf.WriteString(q[i : i+p])
				buf.WriteString(dqTag)
				i += p + len(dqTag)
				dqTag = ""
				state = sText
			}
		}
	}

	return buf.String(), args, nil
}

// emitValue writes the placeholder(s) for one resolved value and appends the
// driver args. Slices and arrays (except byte slices) expand to one
// placeholder per element; everything else binds as a single argument.
// force suppresses expansion for Scalar-wrapped and direction-carrying
// values. Returns the number of placeholders emitted.
func emitValue(buf *strings.Builder, d Dialect, v any, force bool, name string, n int, ensureAdd func(int, int) error, args *[]any) (int, error) {
	if force {
		if err := ensureAdd(n, 1); err != nil {
			return 0, err
		}
		writePlaceholder(buf, d, n+1)
		*args = append(*args, v)
		return 1, nil
	}

	// sql.Out / driver.Valuer / []byte → single placeholder
	switch v.(type) {
	case sql.Out, driver.Valuer, []byte:
		if err := ensureAdd(n, 1); err != nil {
			return 0, err
		}
		writePlaceholder(buf, d, n+1)
		*args = append(*args, v)
		return 1, nil
	}

	rv := reflect.ValueOf(v)

	if rv.IsValid() && rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		// Treat any "byte slice-like" (even aliases) as a single placeholder.
		if err := ensureAdd(n, 1); err != nil {
			return 0, err
		}
		writePlaceholder(buf, d, n+1)
		if rv.Type() != reflect.TypeOf([]byte(nil)) && rv.Type().ConvertibleTo(reflect.TypeOf([]byte(nil))) {
			*args = append(*args, rv.Convert(reflect.TypeOf([]byte(nil))).Interface())
		} else {
			*args = append(*args, v)
		}
		return 1, nil
	}

	if rv.IsValid() && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) {
		ln := rv.Len()
		if ln == 0 {
			return 0, newError(KindBinding, "builder", fmt.Errorf("%w: %s", ErrEmptySlice, name))
		}
		if err := ensureAdd(n, ln); err != nil {
			return 0, err
		}
		for t := 0; t < ln; t++ {
			if t > 0 {
				buf.WriteString(", ")
			}
			writePlaceholder(buf, d, n+t+1)
			*args = append(*args, rv.Index(t).Interface())
		}
		return ln, nil
	}

	if err := ensureAdd(n, 1); err != nil {
		return 0, err
	}
	writePlaceholder(buf, d, n+1)
	*args = append(*args, v)
	return 1, nil
}

// writePlaceholder emits a dialect-specific placeholder token for argument idx.
func writePlaceholder(b *strings.Builder, d Dialect, idx int) {
	switch d {
	case Postgres:
		b.WriteByte('$')
		var tmp [20]byte
		n := strconv.AppendInt(tmp[:0], int64(idx), 10)
		b.Write(n)
	case SQLServer:
		b.WriteString("@p")
		var tmp [20]byte
		n := strconv.AppendInt(tmp[:0], int64(idx), 10)
		b.Write(n)
	default: // MySQL, SQLite
		b.WriteByte('?')
	}
}

// isAlphaUnderscore reports whether b is [A-Za-z_] .
func isAlphaUnderscore(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '_'
}

// isAlphaNumUnderscore reports whether b is [A-Za-z0-9_] .
func isAlphaNumUnderscore(b byte) bool {
	return isAlphaUnderscore(b) || (b >= '0' && b <= '9')
}

// readDollarTag detects a dollar-quoted opening tag ("$tag$") at the start of s.
// It returns the full tag (e.g. "$tag$") and true if found.
func readDollarTag(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	j := 1
	for j < len(s) && isAlphaNumUnderscore(s[j]) {
		j++
	}
	if j < len(s) && s[j] == '$' {
		return s[:j+1], true
	}
	return "", false
}

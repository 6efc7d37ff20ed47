package console

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"
)

// Limits applied by Sanitize.
const (
	MaxDepth      = 6
	MaxEntries    = 100
	MaxStringSize = 10_000
	// MaxNodes bounds the values visited by one Sanitize call, shared
	// references included.
	MaxNodes = 5_000
)

// Placeholders substituted for values that cannot be copied.
const (
	CircularPlaceholder  = "[Circular]"
	DepthPlaceholder     = "[MaxDepth]"
	TruncatedPlaceholder = "[Truncated]"
)

// Sanitize returns a JSON-safe structural copy of v. Cycles become
// CircularPlaceholder, nesting past MaxDepth becomes DepthPlaceholder,
// containers keep at most MaxEntries items and long strings are truncated.
// Once MaxNodes values have been copied the rest become TruncatedPlaceholder.
// Non-finite floats become nil.
func Sanitize(v any) any {
	s := sanitizer{seen: make(map[uintptr]struct{}), budget: MaxNodes}
	return s.value(reflect.ValueOf(v), 0)
}

type sanitizer struct {
	seen   map[uintptr]struct{}
	budget int
}

var (
	errorType         = reflect.TypeOf((*error)(nil)).Elem()
	timeType          = reflect.TypeOf(time.Time{})
	rawMessageType    = reflect.TypeOf(json.RawMessage(nil))
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

func (s *sanitizer) value(v reflect.Value, depth int) any {
	if !v.IsValid() {
		return nil
	}
	if s.budget <= 0 {
		return TruncatedPlaceholder
	}
	s.budget--

	if v.Type().Implements(errorType) && canInterface(v) {
		if err, ok := v.Interface().(error); ok {
			return map[string]any{
				"name":    strings.TrimPrefix(v.Type().String(), "*"),
				"message": truncate(err.Error()),
			}
		}
	}

	switch v.Type() {
	case timeType:
		if v.CanInterface() {
			return v.Interface().(time.Time).UTC().Format(time.RFC3339Nano)
		}
	case rawMessageType:
		var decoded any
		if err := json.Unmarshal(v.Bytes(), &decoded); err != nil {
			return truncate(string(v.Bytes()))
		}
		return s.value(reflect.ValueOf(decoded), depth)
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case reflect.String:
		return truncate(v.String())
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return s.value(v.Elem(), depth)
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return s.tracked(v, depth, func() any { return s.value(v.Elem(), depth) })
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		return s.tracked(v, depth, func() any { return s.mapValue(v, depth) })
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return fmt.Sprintf("[bytes len=%d]", v.Len())
		}
		return s.tracked(v, depth, func() any { return s.listValue(v, depth) })
	case reflect.Array:
		return s.listValue(v, depth)
	case reflect.Struct:
		return s.structValue(v, depth)
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return "[Unserializable " + v.Type().String() + "]"
	default:
		return "[Unserializable " + v.Kind().String() + "]"
	}
}

// tracked guards reference values against cycles on the current path.
func (s *sanitizer) tracked(v reflect.Value, depth int, fn func() any) any {
	ptr := v.Pointer()
	if _, ok := s.seen[ptr]; ok {
		return CircularPlaceholder
	}
	s.seen[ptr] = struct{}{}
	defer delete(s.seen, ptr)
	return fn()
}

func (s *sanitizer) mapValue(v reflect.Value, depth int) any {
	if depth >= MaxDepth {
		return DepthPlaceholder
	}
	out := make(map[string]any, min(v.Len(), MaxEntries))
	iter := v.MapRange()
	n := 0
	for iter.Next() {
		if n == MaxEntries {
			out["..."] = fmt.Sprintf("[+%d more]", v.Len()-MaxEntries)
			break
		}
		out[mapKey(iter.Key())] = s.value(iter.Value(), depth+1)
		n++
	}
	return out
}

func (s *sanitizer) listValue(v reflect.Value, depth int) any {
	if depth >= MaxDepth {
		return DepthPlaceholder
	}
	n := min(v.Len(), MaxEntries)
	out := make([]any, 0, n+1)
	for i := 0; i < n; i++ {
		out = append(out, s.value(v.Index(i), depth+1))
	}
	if v.Len() > MaxEntries {
		out = append(out, fmt.Sprintf("[+%d more]", v.Len()-MaxEntries))
	}
	return out
}

func (s *sanitizer) structValue(v reflect.Value, depth int) any {
	if depth >= MaxDepth {
		return DepthPlaceholder
	}
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag, ok := field.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		out[name] = s.value(v.Field(i), depth+1)
	}
	return out
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if k.Type().Implements(textMarshalerType) && canInterface(k) {
		if text, err := k.Interface().(encoding.TextMarshaler).MarshalText(); err == nil {
			return string(text)
		}
	}
	return fmt.Sprint(k.Interface())
}

func truncate(s string) string {
	if len(s) <= MaxStringSize {
		return s
	}
	cut := MaxStringSize
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("...[truncated %d bytes]", len(s)-cut)
}

func canInterface(v reflect.Value) bool {
	if v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return false
		}
	}
	return v.CanInterface()
}

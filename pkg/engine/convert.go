package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"go.starlark.net/starlark"
)

// toStarlark converts a decoded JSON value (or a plain Go value returned
// by a registered host function) into its namespace equivalent. Numbers
// arrive as json.Number so integers survive without float rounding.
func toStarlark(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case float64:
		return starlark.Float(x), nil
	case string:
		return starlark.String(x), nil
	case json.Number:
		if i, ok := new(big.Int).SetString(x.String(), 10); ok {
			return starlark.MakeBigInt(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("bad number literal %q: %w", x.String(), err)
		}
		return starlark.Float(f), nil
	case []any:
		elems := make([]starlark.Value, 0, len(x))
		for _, item := range x {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		d := starlark.NewDict(len(x))
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sv, err := toStarlark(x[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		// Anything else goes through a JSON round trip, which yields only
		// the types handled above.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("value of type %T cannot enter the namespace: %w", v, err)
		}
		return jsonToStarlark(data)
	}
}

func jsonToStarlark(data []byte) (starlark.Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return toStarlark(v)
}

// fromStarlark converts a namespace value back into a plain Go value for
// JSON encoding. Functions and other live objects do not survive the
// trip; callers turn that error into a serialization fault.
func fromStarlark(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i, nil
		}
		return json.Number(x.String()), nil
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Bytes:
		return string(x), nil
	case starlark.Tuple:
		return sequenceToGo(x.Len(), x.Index)
	case *starlark.List:
		return sequenceToGo(x.Len(), x.Index)
	case *starlark.Set:
		out := make([]any, 0, x.Len())
		iter := x.Iterate()
		defer iter.Done()
		var elem starlark.Value
		for iter.Next(&elem) {
			gv, err := fromStarlark(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict key of type %s is not a string", item[0].Type())
			}
			gv, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			out[key] = gv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value of type %s is not serializable", v.Type())
	}
}

func sequenceToGo(n int, index func(int) starlark.Value) (any, error) {
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		gv, err := fromStarlark(index(i))
		if err != nil {
			return nil, err
		}
		out = append(out, gv)
	}
	return out, nil
}

// decodeCallArgs unpacks a positional-argument payload into call form.
func decodeCallArgs(raw json.RawMessage) (starlark.Tuple, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var vals []any
	if err := dec.Decode(&vals); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	out := make(starlark.Tuple, 0, len(vals))
	for _, v := range vals {
		sv, err := toStarlark(v)
		if err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, nil
}

// decodeCallKwargs unpacks a keyword-argument payload into call form,
// sorted by name so calls are deterministic.
func decodeCallKwargs(raw json.RawMessage) ([]starlark.Tuple, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var vals map[string]any
	if err := dec.Decode(&vals); err != nil {
		return nil, fmt.Errorf("decode kwargs: %w", err)
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]starlark.Tuple, 0, len(keys))
	for _, k := range keys {
		sv, err := toStarlark(vals[k])
		if err != nil {
			return nil, err
		}
		out = append(out, starlark.Tuple{starlark.String(k), sv})
	}
	return out, nil
}

// marshalResult encodes a call result for the reply envelope. None maps
// to an absent result.
func marshalResult(v starlark.Value) (json.RawMessage, error) {
	gv, err := fromStarlark(v)
	if err != nil {
		return nil, err
	}
	if gv == nil {
		return nil, nil
	}
	data, err := json.Marshal(gv)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}

package actions

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/hpg/hpg/pkg/script"
)

// optBundle is a decoded option table. Actions enumerate their recognized
// keys up front; anything else is a script error.
type optBundle struct {
	action string
	values map[string]starlark.Value
}

// decodeOpts validates an option dict against the recognized key set.
// A nil or None opts value decodes to an empty bundle.
func decodeOpts(action string, opts starlark.Value, recognized ...string) (*optBundle, error) {
	b := &optBundle{action: action, values: map[string]starlark.Value{}}
	if opts == nil || opts == starlark.None {
		return b, nil
	}
	dict, ok := opts.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("%s: opts must be a dict, got %s", action, opts.Type())
	}
	allowed := map[string]bool{}
	for _, k := range recognized {
		allowed[k] = true
	}
	for _, item := range dict.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("%s: opts keys must be strings, got %s", action, item[0].Type())
		}
		if !allowed[string(key)] {
			return nil, fmt.Errorf("%s: unrecognized option %q", action, string(key))
		}
		b.values[string(key)] = item[1]
	}
	return b, nil
}

func (b *optBundle) str(key, def string) (string, error) {
	v, ok := b.values[key]
	if !ok || v == starlark.None {
		return def, nil
	}
	s, ok := starlark.AsString(v)
	if !ok {
		return "", fmt.Errorf("%s: option %q must be a string, got %s", b.action, key, v.Type())
	}
	return s, nil
}

func (b *optBundle) boolean(key string, def bool) (bool, error) {
	v, ok := b.values[key]
	if !ok || v == starlark.None {
		return def, nil
	}
	bv, ok := v.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("%s: option %q must be a bool, got %s", b.action, key, v.Type())
	}
	return bool(bv), nil
}

func (b *optBundle) integer(key string, def int64) (int64, error) {
	v, ok := b.values[key]
	if !ok || v == starlark.None {
		return def, nil
	}
	i, ok := v.(starlark.Int)
	if !ok {
		return 0, fmt.Errorf("%s: option %q must be an int, got %s", b.action, key, v.Type())
	}
	n, ok := i.Int64()
	if !ok {
		return 0, fmt.Errorf("%s: option %q out of range", b.action, key)
	}
	return n, nil
}

func (b *optBundle) strMap(key string) (map[string]string, error) {
	v, ok := b.values[key]
	if !ok || v == starlark.None {
		return nil, nil
	}
	dict, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("%s: option %q must be a dict, got %s", b.action, key, v.Type())
	}
	out := map[string]string{}
	for _, item := range dict.Items() {
		k, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("%s: option %q keys must be strings", b.action, key)
		}
		val, ok := starlark.AsString(item[1])
		if !ok {
			return nil, fmt.Errorf("%s: option %q values must be strings", b.action, key)
		}
		out[k] = val
	}
	return out, nil
}

func (b *optBundle) strList(key string) ([]string, error) {
	v, ok := b.values[key]
	if !ok || v == starlark.None {
		return nil, nil
	}
	seq, ok := v.(starlark.Sequence)
	if !ok {
		return nil, fmt.Errorf("%s: option %q must be a list, got %s", b.action, key, v.Type())
	}
	var out []string
	iter := seq.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		s, ok := starlark.AsString(x)
		if !ok {
			return nil, fmt.Errorf("%s: option %q elements must be strings", b.action, key)
		}
		out = append(out, s)
	}
	return out, nil
}

// anyMap decodes a dict option into plain Go data for template contexts.
func (b *optBundle) anyMap(key string) (map[string]any, error) {
	v, ok := b.values[key]
	if !ok || v == starlark.None {
		return nil, nil
	}
	gv, err := script.FromStarlark(v)
	if err != nil {
		return nil, fmt.Errorf("%s: option %q: %w", b.action, key, err)
	}
	m, ok := gv.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: option %q must be a dict", b.action, key)
	}
	return m, nil
}

// statusDict builds the conventional action result table.
func statusDict(pairs map[string]starlark.Value) *starlark.Dict {
	d := starlark.NewDict(len(pairs))
	for k, v := range pairs {
		_ = d.SetKey(starlark.String(k), v)
	}
	return d
}

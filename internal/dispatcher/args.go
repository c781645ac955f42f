package dispatcher

import (
	"fmt"

	"github.com/eniac111/plumbgate/internal/types"
)

// ResolveArgs builds the arguments for one target: refs in args are looked
// up in vars, then hostArgs (also dereferenced) override them. The shared
// args map is never modified.
func ResolveArgs(args, hostArgs, vars map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args)+len(hostArgs))
	for _, src := range []map[string]any{args, hostArgs} {
		for k, v := range src {
			resolved, err := deref(v, vars)
			if err != nil {
				return nil, fmt.Errorf("argument %s: %w", k, err)
			}
			out[k] = resolved
		}
	}
	return out, nil
}

func deref(v any, vars map[string]any) (any, error) {
	switch v := v.(type) {
	case types.Ref:
		return v.Resolve(vars)
	case *types.Ref:
		return v.Resolve(vars)
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, inner := range v {
			resolved, err := deref(inner, vars)
			if err != nil {
				return nil, err
			}
			m[k] = resolved
		}
		return m, nil
	case []any:
		s := make([]any, len(v))
		for i, inner := range v {
			resolved, err := deref(inner, vars)
			if err != nil {
				return nil, err
			}
			s[i] = resolved
		}
		return s, nil
	default:
		return v, nil
	}
}

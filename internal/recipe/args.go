// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package recipe

import (
	"fmt"

	"github.com/kilnworks/kiln/fixpoint"
)

// Argument accessors.
// Arguments originate from typed package declarations,
// but override patches come from generic JSON decoding
// or from command-line KEY=VALUE pairs,
// so each accessor tolerates both the typed form
// and its generic JSON equivalent.

func stringArg(args fixpoint.Args, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %s: not a string (%T)", key, v)
	}
	return s, nil
}

func stringListArg(args fixpoint.Args, key string) ([]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch v := v.(type) {
	case []string:
		return v, nil
	case []any:
		list := make([]string, len(v))
		for i, elem := range v {
			s, ok := elem.(string)
			if !ok {
				return nil, fmt.Errorf("argument %s[%d]: not a string (%T)", key, i, elem)
			}
			list[i] = s
		}
		return list, nil
	default:
		return nil, fmt.Errorf("argument %s: not a list of strings (%T)", key, v)
	}
}

func stringMapArg(args fixpoint.Args, key string) (map[string]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch v := v.(type) {
	case map[string]string:
		return v, nil
	case map[string]any:
		m := make(map[string]string, len(v))
		for k, elem := range v {
			s, ok := elem.(string)
			if !ok {
				return nil, fmt.Errorf("argument %s.%s: not a string (%T)", key, k, elem)
			}
			m[k] = s
		}
		return m, nil
	default:
		return nil, fmt.Errorf("argument %s: not a string map (%T)", key, v)
	}
}

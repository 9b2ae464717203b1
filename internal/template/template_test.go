package template

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDeepMerge(t *testing.T) {
	tests := []struct {
		name string
		dst  map[string]any
		src  map[string]any
		want map[string]any
	}{
		{
			name: "scalar overwrite",
			dst:  map[string]any{"a": 1, "b": "x"},
			src:  map[string]any{"b": "y"},
			want: map[string]any{"a": 1, "b": "y"},
		},
		{
			name: "nested objects merge field-wise",
			dst:  map[string]any{"config": map[string]any{"maxWorkers": 3, "retryMax": 2}},
			src:  map[string]any{"config": map[string]any{"maxWorkers": 5}},
			want: map[string]any{"config": map[string]any{"maxWorkers": 5, "retryMax": 2}},
		},
		{
			name: "arrays overwrite wholesale",
			dst:  map[string]any{"phases": []any{"a", "b"}},
			src:  map[string]any{"phases": []any{"c"}},
			want: map[string]any{"phases": []any{"c"}},
		},
		{
			name: "object replaces scalar",
			dst:  map[string]any{"k": "scalar"},
			src:  map[string]any{"k": map[string]any{"nested": true}},
			want: map[string]any{"k": map[string]any{"nested": true}},
		},
		{
			name: "nil dst",
			dst:  nil,
			src:  map[string]any{"a": 1},
			want: map[string]any{"a": 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, deepMerge(tt.dst, tt.src))
		})
	}
}

func TestResolveChain_Cycle(t *testing.T) {
	docs := map[string]map[string]any{
		"a": {"id": "a", "extends": "b"},
		"b": {"id": "b", "extends": "a"},
	}
	lookup := func(id string) (map[string]any, bool) {
		doc, ok := docs[id]
		return doc, ok
	}

	_, err := resolveChain("a", lookup)
	require.ErrorIs(t, err, ErrCyclicExtends)
}

func TestResolveChain_SelfReference(t *testing.T) {
	docs := map[string]map[string]any{
		"a": {"id": "a", "extends": "a"},
	}
	lookup := func(id string) (map[string]any, bool) {
		return docs[id], docs[id] != nil
	}

	_, err := resolveChain("a", lookup)
	require.ErrorIs(t, err, ErrCyclicExtends)
}

func TestResolveChain_MissingParent(t *testing.T) {
	docs := map[string]map[string]any{
		"a": {"id": "a", "extends": "ghost"},
	}
	lookup := func(id string) (map[string]any, bool) {
		doc, ok := docs[id]
		return doc, ok
	}

	_, err := resolveChain("a", lookup)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveRaw_LeafIDWins(t *testing.T) {
	docs := map[string]map[string]any{
		"base": {
			"id":   "base",
			"name": "Base",
			"config": map[string]any{
				"maxWorkers": float64(3), "pollIntervalMs": float64(2000),
				"workerTimeoutMs": float64(60000), "retryMax": float64(2),
			},
		},
		"child": {"id": "child", "name": "Child", "extends": "base"},
	}
	lookup := func(id string) (map[string]any, bool) {
		doc, ok := docs[id]
		return doc, ok
	}

	tpl, err := resolveRaw("child", lookup)
	require.NoError(t, err)
	require.Equal(t, "child", tpl.ID)
	require.Equal(t, "Child", tpl.Name)
	require.Equal(t, 3, tpl.Config.MaxWorkers)
	require.Equal(t, DefaultPhases, tpl.Phases)
	require.NotNil(t, tpl.Variables)
}

func TestResolveRaw_Idempotent(t *testing.T) {
	docs := map[string]map[string]any{
		"base": {
			"id": "base", "name": "Base",
			"config": map[string]any{"maxWorkers": float64(2)},
		},
		"mid":  {"id": "mid", "name": "Mid", "extends": "base", "config": map[string]any{"retryMax": float64(1)}},
		"leaf": {"id": "leaf", "name": "Leaf", "extends": "mid"},
	}
	lookup := func(id string) (map[string]any, bool) {
		doc, ok := docs[id]
		return doc, ok
	}

	first, err := resolveRaw("leaf", lookup)
	require.NoError(t, err)
	second, err := resolveRaw("leaf", lookup)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 2, first.Config.MaxWorkers)
	require.Equal(t, 1, first.Config.RetryMax)
}

func TestResolveRaw_IdempotentOverGeneratedChains(t *testing.T) {
	configKeys := []string{"maxWorkers", "pollIntervalMs", "workerTimeoutMs", "retryMax"}

	rapid.Check(t, func(t *rapid.T) {
		depth := rapid.IntRange(1, 6).Draw(t, "depth")

		docs := make(map[string]map[string]any, depth)
		ids := make([]string, depth)
		for i := range ids {
			id := fmt.Sprintf("tpl%d", i)
			ids[i] = id
			doc := map[string]any{
				"id":   id,
				"name": rapid.StringMatching(`[A-Za-z]{1,12}`).Draw(t, fmt.Sprintf("name%d", i)),
			}
			if i > 0 {
				doc["extends"] = ids[i-1]
			}
			cfg := map[string]any{}
			for _, k := range configKeys {
				if rapid.Bool().Draw(t, fmt.Sprintf("has_%s_%d", k, i)) {
					cfg[k] = float64(rapid.IntRange(1, 100).Draw(t, fmt.Sprintf("%s_%d", k, i)))
				}
			}
			if len(cfg) > 0 {
				doc["config"] = cfg
			}
			docs[id] = doc
		}
		lookup := func(id string) (map[string]any, bool) {
			doc, ok := docs[id]
			return doc, ok
		}

		leaf := ids[len(ids)-1]
		first, err := resolveRaw(leaf, lookup)
		require.NoError(t, err)
		second, err := resolveRaw(leaf, lookup)
		require.NoError(t, err)
		require.Equal(t, first, second, "resolution must not depend on prior resolutions")
		require.Equal(t, leaf, first.ID)

		// Per config field the definition nearest the leaf wins.
		wantMax := 0
		for _, id := range ids {
			if cfg, ok := docs[id]["config"].(map[string]any); ok {
				if v, ok := cfg["maxWorkers"].(float64); ok {
					wantMax = int(v)
				}
			}
		}
		require.Equal(t, wantMax, first.Config.MaxWorkers)

		// Resolving an already-resolved template yields the same template.
		data, err := json.Marshal(first)
		require.NoError(t, err)
		var resolvedDoc map[string]any
		require.NoError(t, json.Unmarshal(data, &resolvedDoc))
		docs[leaf] = resolvedDoc

		again, err := resolveRaw(leaf, lookup)
		require.NoError(t, err)
		require.Equal(t, first, again)
	})
}

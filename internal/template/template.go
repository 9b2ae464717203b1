// Package template loads, validates, and resolves orchestration templates.
// Templates define the prompts and tunables for one orchestration run and
// may inherit from another template via extends.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SystemPrefix marks read-only built-in template ids.
const SystemPrefix = "_"

var (
	// ErrNotFound indicates an unknown template id.
	ErrNotFound = errors.New("template: not found")
	// ErrCyclicExtends indicates a cycle in an extends chain.
	ErrCyclicExtends = errors.New("template: cyclic extends chain")
	// ErrSystemImmutable indicates a write against a system template.
	ErrSystemImmutable = errors.New("template: system templates are read-only")
)

// Config holds per-run tunables.
type Config struct {
	MaxWorkers       int  `json:"maxWorkers"`
	PollIntervalMs   int  `json:"pollIntervalMs"`
	WorkerTimeoutMs  int  `json:"workerTimeoutMs"`
	AutoSpawnWorkers bool `json:"autoSpawnWorkers"`
	RetryMax         int  `json:"retryMax"`
}

// PollInterval returns the poll cadence as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// WorkerTimeout returns the per-worker deadline as a duration.
func (c Config) WorkerTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutMs) * time.Millisecond
}

// Prompts holds the per-phase prompt text, each containing {VARIABLE}
// placeholders and the response-block sentinels.
type Prompts struct {
	Analysis     string `json:"analysis"`
	TaskPlanning string `json:"taskPlanning"`
	Worker       string `json:"worker"`
	Aggregation  string `json:"aggregation"`
}

// DefaultPhases is the phase order used when a template declares none.
var DefaultPhases = []string{"analysis", "taskPlanning", "workerExecution", "aggregation"}

// Template is a fully resolved template: the extends chain has been merged
// and defaults applied. Immutable once resolved.
type Template struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Extends     string         `json:"extends,omitempty"`
	Config      Config         `json:"config"`
	Prompts     Prompts        `json:"prompts"`
	Variables   map[string]any `json:"variables,omitempty"`
	Phases      []string       `json:"phases,omitempty"`
}

// IsSystem reports whether the template is a read-only built-in.
func (t *Template) IsSystem() bool {
	return strings.HasPrefix(t.ID, SystemPrefix)
}

// Metadata is the listing view of a template.
type Metadata struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	System      bool   `json:"system"`
}

// resolveChain walks id -> extends -> ... to the root, failing on unknown
// ids and cycles. The returned chain is ordered root first.
func resolveChain(id string, lookup func(string) (map[string]any, bool)) ([]map[string]any, error) {
	var chain []map[string]any
	seen := map[string]bool{}

	for cur := id; cur != ""; {
		if seen[cur] {
			return nil, fmt.Errorf("%w: %q revisited", ErrCyclicExtends, cur)
		}
		seen[cur] = true

		raw, ok := lookup(cur)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, cur)
		}
		chain = append([]map[string]any{raw}, chain...)

		parent, _ := raw["extends"].(string)
		cur = parent
	}
	return chain, nil
}

// deepMerge overlays src onto dst: scalars and arrays are overwritten
// wholesale, nested objects merge field-wise. dst is mutated and returned.
func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		if srcObj, ok := v.(map[string]any); ok {
			if dstObj, ok := dst[k].(map[string]any); ok {
				dst[k] = deepMerge(dstObj, srcObj)
				continue
			}
			dst[k] = deepMerge(map[string]any{}, srcObj)
			continue
		}
		dst[k] = v
	}
	return dst
}

// resolveRaw merges an extends chain and decodes the result. The resolved
// template keeps the leaf's id regardless of what ancestors declare.
func resolveRaw(id string, lookup func(string) (map[string]any, bool)) (*Template, error) {
	chain, err := resolveChain(id, lookup)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	for _, raw := range chain {
		merged = deepMerge(merged, raw)
	}
	merged["id"] = id

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("template: encode merged %q: %w", id, err)
	}
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("template: decode merged %q: %w", id, err)
	}

	if len(t.Phases) == 0 {
		t.Phases = append([]string(nil), DefaultPhases...)
	}
	if t.Variables == nil {
		t.Variables = map[string]any{}
	}
	return &t, nil
}

package mapreduce

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/prodigy-cli/prodigy/internal/expr"
	"github.com/prodigy-cli/prodigy/internal/variables"
	"github.com/prodigy-cli/prodigy/internal/workflow"
)

// Item is one work item loaded from a MapPhase's input, paired with a
// stable ID used throughout checkpointing, progress events, and the DLQ.
type Item struct {
	ID    string
	Value any
}

// LoadItems reads, filters, sorts, and caps the input collection described
// by phase: json_path selects the array, filter excludes items, sort_by
// orders them, max_items truncates.
func LoadItems(phase *workflow.MapPhase) ([]Item, error) {
	raw, err := readInput(phase.Input)
	if err != nil {
		return nil, err
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("mapreduce: decoding input %q: %w", phase.Input, err)
	}

	if phase.JSONPath != "" {
		v, err := variables.JSONPath(decoded, phase.JSONPath)
		if err != nil {
			return nil, fmt.Errorf("mapreduce: applying json_path %q: %w", phase.JSONPath, err)
		}
		decoded = v
	}

	arr, ok := decoded.([]any)
	if !ok {
		return nil, fmt.Errorf("mapreduce: input %q (after json_path) is not a JSON array", phase.Input)
	}

	items := make([]Item, len(arr))
	for i, v := range arr {
		items[i] = Item{ID: itemID(phase.IDPath, i, v), Value: v}
	}

	if phase.Filter != "" {
		items, err = filterItems(items, phase.Filter)
		if err != nil {
			return nil, err
		}
	}

	if phase.SortBy != "" {
		sortItems(items, phase.SortBy)
	}

	if phase.MaxItems > 0 && len(items) > phase.MaxItems {
		items = items[:phase.MaxItems]
	}

	return items, nil
}

// itemID derives a stable, deterministic item ID: the value at the
// configured id path when one is set and resolvable, the insertion index
// otherwise.
func itemID(idPath string, index int, v any) string {
	if idPath != "" {
		ctx := variables.New()
		ctx.Set(variables.ScopeLocal, "item", v)
		if resolved, ok := ctx.Lookup("item." + idPath); ok {
			if s := variables.ToString(resolved); s != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("item-%d", index)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mapreduce: reading input %q: %w", path, err)
	}
	return data, nil
}

func filterItems(items []Item, filterExpr string) ([]Item, error) {
	compiled, err := expr.Parse(filterExpr)
	if err != nil {
		return nil, fmt.Errorf("mapreduce: parsing filter %q: %w", filterExpr, err)
	}

	var kept []Item
	for _, it := range items {
		ctx := variables.New()
		ctx.Set(variables.ScopeLocal, "item", it.Value)
		ok, err := compiled.Eval(ctx)
		if err != nil {
			return nil, fmt.Errorf("mapreduce: evaluating filter against item %q: %w", it.ID, err)
		}
		if ok {
			kept = append(kept, it)
		}
	}
	return kept, nil
}

func sortItems(items []Item, sortBy string) {
	sort.SliceStable(items, func(i, j int) bool {
		return lookupSortKey(items[i].Value, sortBy) < lookupSortKey(items[j].Value, sortBy)
	})
}

// lookupSortKey resolves a dotted path against an item's value for sort
// comparison, returning its string rendering. Untyped JSON values sort
// lexically, so numeric keys order correctly only when zero-padded.
func lookupSortKey(v any, path string) string {
	ctx := variables.New()
	ctx.Set(variables.ScopeLocal, "item", v)
	resolved, ok := ctx.Lookup("item." + path)
	if !ok {
		return ""
	}
	return variables.ToString(resolved)
}

package brains

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// State is the JSON object a brain's steps read and write. The
// authoritative state at any point of a run is the empty object plus all
// step patches applied in observed order.
type State = map[string]any

// PatchOp is a single RFC 6902 operation. The runtime's dialect is
// restricted to add, remove, replace, move, copy, and test; arrays are
// diffed by index.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

// Patch is an ordered list of operations describing one step's state delta.
type Patch []PatchOp

var allowedPatchOps = map[string]bool{
	"add": true, "remove": true, "replace": true,
	"move": true, "copy": true, "test": true,
}

// Validate checks that every operation uses the restricted dialect.
func (p Patch) Validate() error {
	for i, op := range p {
		if !allowedPatchOps[op.Op] {
			return fmt.Errorf("patch op %d: %q not in restricted dialect", i, op.Op)
		}
	}
	return nil
}

// ApplyPatch applies a patch to a state object and returns the new state.
// The input state is not mutated. Application goes through the marshalled
// document so semantics match any standards-compliant consumer of the log.
func ApplyPatch(doc State, p Patch) (State, error) {
	if len(p) == 0 {
		return NormalizeState(doc), nil
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	if doc == nil {
		docBytes = []byte(`{}`)
	}
	patchBytes, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal patch: %w", err)
	}
	decoded, err := jsonpatch.DecodePatch(patchBytes)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	out, err := decoded.Apply(docBytes)
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	var result State
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("unmarshal patched state: %w", err)
	}
	return result, nil
}

// NormalizeState round-trips a state object through JSON so that numeric
// types, nested maps, and slices take their canonical encoding/json shapes
// (float64, map[string]any, []any). Diff and ApplyPatch both operate on
// normalised values; normalising at the boundary keeps the patch-integrity
// invariant byte-exact across process restarts.
func NormalizeState(s State) State {
	if s == nil {
		return State{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		// State came from a step return value; non-JSON-able values are an
		// authoring error surfaced at diff time instead.
		return s
	}
	var out State
	if json.Unmarshal(b, &out) != nil {
		return s
	}
	return out
}

// Diff computes the structural difference between two states as a patch in
// the restricted dialect. Objects are diffed key-wise (sorted for
// determinism), arrays by index: common indices are recursed, a longer
// "after" appends, a longer "before" removes from the tail down so paths
// stay valid during application.
func Diff(before, after State) Patch {
	var patch Patch
	diffValue("", NormalizeState(before), NormalizeState(after), &patch)
	return patch
}

func diffValue(path string, before, after any, patch *Patch) {
	switch b := before.(type) {
	case map[string]any:
		a, ok := after.(map[string]any)
		if !ok {
			*patch = append(*patch, PatchOp{Op: "replace", Path: orRoot(path), Value: after})
			return
		}
		diffObject(path, b, a, patch)
	case []any:
		a, ok := after.([]any)
		if !ok {
			*patch = append(*patch, PatchOp{Op: "replace", Path: orRoot(path), Value: after})
			return
		}
		diffArray(path, b, a, patch)
	default:
		if !jsonEqual(before, after) {
			*patch = append(*patch, PatchOp{Op: "replace", Path: orRoot(path), Value: after})
		}
	}
}

func diffObject(path string, before, after map[string]any, patch *Patch) {
	keys := make([]string, 0, len(before)+len(after))
	seen := make(map[string]bool, len(before)+len(after))
	for k := range before {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range after {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		childPath := path + "/" + escapePointer(k)
		bv, inBefore := before[k]
		av, inAfter := after[k]
		switch {
		case inBefore && !inAfter:
			*patch = append(*patch, PatchOp{Op: "remove", Path: childPath})
		case !inBefore && inAfter:
			*patch = append(*patch, PatchOp{Op: "add", Path: childPath, Value: av})
		default:
			diffValue(childPath, bv, av, patch)
		}
	}
}

func diffArray(path string, before, after []any, patch *Patch) {
	common := min(len(before), len(after))
	for i := 0; i < common; i++ {
		diffValue(fmt.Sprintf("%s/%d", path, i), before[i], after[i], patch)
	}
	for i := common; i < len(after); i++ {
		*patch = append(*patch, PatchOp{Op: "add", Path: fmt.Sprintf("%s/%d", path, i), Value: after[i]})
	}
	// Remove from the highest index first so earlier removals don't shift
	// the paths of later ones.
	for i := len(before) - 1; i >= common; i-- {
		*patch = append(*patch, PatchOp{Op: "remove", Path: fmt.Sprintf("%s/%d", path, i)})
	}
}

// jsonEqual compares two normalised JSON values.
func jsonEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// escapePointer escapes a JSON Pointer token per RFC 6901.
func escapePointer(s string) string {
	s = strings.ReplaceAll(s, "~", "~0")
	return strings.ReplaceAll(s, "/", "~1")
}

func orRoot(path string) string {
	if path == "" {
		return ""
	}
	return path
}

package resolve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// refInliner replaces every external $ref with the value it points to.
// Local refs ("#/components/...") into the entry document are left alone so
// the generator still sees named schemas. A local ref inside another file
// points into that file when the pointer resolves there, and is inlined like
// an external one.
type refInliner struct {
	ctx   context.Context
	entry string

	// docs caches parsed files by absolute path.
	docs map[string]any

	// stack holds "file#fragment" keys currently being inlined.
	stack []string
}

func newRefInliner(ctx context.Context) *refInliner {
	return &refInliner{ctx: ctx, docs: make(map[string]any)}
}

// consolidate loads entry, inlines its references and returns canonical JSON.
func (ri *refInliner) consolidate(entry string) ([]byte, error) {
	ri.entry = entry
	root, err := ri.load(entry)
	if err != nil {
		return nil, err
	}
	ri.stack = append(ri.stack, entry+"#")
	resolved, err := ri.inline(root, entry)
	if err != nil {
		return nil, err
	}
	return canonicalJSON(resolved)
}

// sources lists every file loaded so far, sorted.
func (ri *refInliner) sources() []string {
	out := make([]string, 0, len(ri.docs))
	for path := range ri.docs {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

func (ri *refInliner) load(path string) (any, error) {
	if doc, ok := ri.docs[path]; ok {
		return doc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	if node.Kind == 0 {
		return nil, fmt.Errorf("%w: %s: empty document", ErrMalformed, path)
	}
	doc, err := nodeValue(&node)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	ri.docs[path] = doc
	return doc, nil
}

// inline walks v, which was read from file, and returns a copy with external
// refs replaced. Cached documents are never mutated.
func (ri *refInliner) inline(v any, file string) (any, error) {
	if err := ri.ctx.Err(); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case map[string]any:
		if ref, ok := t["$ref"].(string); ok {
			follow, err := ri.external(ref, file)
			if err != nil {
				return nil, err
			}
			if follow {
				return ri.follow(t, ref, file)
			}
		}
		out := make(map[string]any, len(t))
		for k, child := range t {
			r, err := ri.inline(child, file)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			r, err := ri.inline(child, file)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// external reports whether ref, read from file, must be inlined. A local ref
// in a file other than the entry that resolves in neither document dangles.
func (ri *refInliner) external(ref, file string) (bool, error) {
	fragment, local := strings.CutPrefix(ref, "#")
	if !local {
		return true, nil
	}
	if file == ri.entry {
		return false, nil
	}
	if _, err := jsonPointer(ri.docs[file], fragment); err == nil {
		return true, nil
	}
	if _, err := jsonPointer(ri.docs[ri.entry], fragment); err == nil {
		return false, nil
	}
	return false, fmt.Errorf("%w: %s referenced from %s", ErrUnreadableRef, ref, file)
}

// follow resolves one ref read from file. A ref without a file part points
// into file itself. Sibling keys next to $ref override keys of the referenced
// object.
func (ri *refInliner) follow(refObj map[string]any, ref, file string) (any, error) {
	target, fragment, _ := strings.Cut(ref, "#")
	targetPath := file
	if target != "" {
		targetPath = filepath.Join(filepath.Dir(file), filepath.FromSlash(target))
	}

	key := targetPath + "#" + fragment
	for _, open := range ri.stack {
		if open == key {
			return nil, fmt.Errorf("%w: %s -> %s", ErrRefCycle, strings.Join(ri.stack, " -> "), key)
		}
	}

	doc, err := ri.load(targetPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s referenced from %s", ErrUnreadableRef, ref, file)
		}
		return nil, err
	}
	value, err := jsonPointer(doc, fragment)
	if err != nil {
		return nil, fmt.Errorf("%w: %s referenced from %s: %v", ErrUnreadableRef, ref, file, err)
	}

	ri.stack = append(ri.stack, key)
	resolved, err := ri.inline(value, targetPath)
	ri.stack = ri.stack[:len(ri.stack)-1]
	if err != nil {
		return nil, err
	}

	obj, isObj := resolved.(map[string]any)
	if !isObj || len(refObj) == 1 {
		return resolved, nil
	}
	merged := make(map[string]any, len(obj)+len(refObj))
	for k, v := range obj {
		merged[k] = v
	}
	for k, v := range refObj {
		if k == "$ref" {
			continue
		}
		r, err := ri.inline(v, file)
		if err != nil {
			return nil, err
		}
		merged[k] = r
	}
	return merged, nil
}

// jsonPointer evaluates an RFC 6901 pointer. An empty pointer is the document.
func jsonPointer(doc any, pointer string) (any, error) {
	if pointer == "" || pointer == "/" {
		return doc, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("pointer %q must start with /", pointer)
	}
	cur := doc
	for _, raw := range strings.Split(pointer[1:], "/") {
		token := strings.ReplaceAll(strings.ReplaceAll(raw, "~1", "/"), "~0", "~")
		switch t := cur.(type) {
		case map[string]any:
			next, ok := t[token]
			if !ok {
				return nil, fmt.Errorf("no member %q", token)
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(token)
			if err != nil || i < 0 || i >= len(t) {
				return nil, fmt.Errorf("bad index %q", token)
			}
			cur = t[i]
		default:
			return nil, fmt.Errorf("cannot descend into %T at %q", cur, token)
		}
	}
	return cur, nil
}

// nodeValue converts a YAML node into plain Go values. Mapping keys are kept
// as their literal text, so numeric keys such as response codes ("200")
// survive as strings.
func nodeValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return nodeValue(n.Content[0])
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if k.Tag == "!!merge" {
				merged, err := nodeValue(v)
				if err != nil {
					return nil, err
				}
				if m, ok := merged.(map[string]any); ok {
					for mk, mv := range m {
						if _, exists := out[mk]; !exists {
							out[mk] = mv
						}
					}
				}
				continue
			}
			val, err := nodeValue(v)
			if err != nil {
				return nil, err
			}
			out[k.Value] = val
		}
		return out, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			val, err := nodeValue(c)
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// canonicalJSON renders v with sorted keys, two-space indent and no HTML
// escaping, so identical inputs always produce identical bytes.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

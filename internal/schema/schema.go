// Package schema normalizes tool input schemas so that clients with a strict
// JSON Schema dialect accept them.
package schema

import "sort"

// AllowList is the set of schema keywords kept by a Rewriter.
type AllowList map[string]struct{}

// DefaultKeywords are the keywords retained when no allow-list is configured.
var DefaultKeywords = []string{
	"type", "properties", "required", "description", "items",
	"enum", "default", "title", "anyOf", "oneOf", "allOf",
	"not", "format", "minimum", "maximum", "minLength",
	"maxLength", "pattern", "additionalProperties", "const",
}

func NewAllowList(keys ...string) AllowList {
	a := make(AllowList, len(keys))
	for _, k := range keys {
		a[k] = struct{}{}
	}
	return a
}

// DefaultAllowList returns a fresh allow-list built from DefaultKeywords.
func DefaultAllowList() AllowList {
	return NewAllowList(DefaultKeywords...)
}

func (a AllowList) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Keys returns the allow-listed keys in sorted order.
func (a AllowList) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Rewriter strips unknown keywords from schema documents decoded as
// map[string]any.
type Rewriter struct {
	allow AllowList
}

// NewRewriter returns a Rewriter for allow. An empty allow-list falls back
// to DefaultAllowList.
func NewRewriter(allow AllowList) *Rewriter {
	if len(allow) == 0 {
		allow = DefaultAllowList()
	}
	return &Rewriter{allow: allow}
}

// Fix rewrites node in place: it drops keys outside the allow-list, adds
// type "object" when properties is present without a type, and recurses
// into every property. Anything that is not an object is left alone.
// Fix is idempotent.
func (rw *Rewriter) Fix(node any) {
	obj, ok := node.(map[string]any)
	if !ok {
		return
	}
	for k := range obj {
		if !rw.allow.Has(k) {
			delete(obj, k)
		}
	}
	props, hasProps := obj["properties"]
	if !hasProps {
		return
	}
	if _, hasType := obj["type"]; !hasType {
		obj["type"] = "object"
	}
	if m, ok := props.(map[string]any); ok {
		for _, v := range m {
			rw.Fix(v)
		}
	}
}

// RewriteToolList fixes the inputSchema of every tool in a tools/list
// response ({"result":{"tools":[...]}}). It returns the number of schemas
// rewritten; zero means doc is not a tool list or no tool carried a schema.
func (rw *Rewriter) RewriteToolList(doc any) int {
	tools, ok := ToolList(doc)
	if !ok {
		return 0
	}
	n := 0
	for _, tool := range tools {
		t, ok := tool.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := t["inputSchema"]; ok {
			rw.Fix(s)
			n++
		}
	}
	return n
}

// ToolList returns result.tools when doc is a response carrying a tool list.
func ToolList(doc any) ([]any, bool) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, false
	}
	result, ok := obj["result"].(map[string]any)
	if !ok {
		return nil, false
	}
	tools, ok := result["tools"].([]any)
	return tools, ok
}

// Package attr is the attribute model shared by page drafts and stored
// attribute sets.
//
// An attribute set is a tree of named values found on a document. Top-level
// attributes are staged per page: an attribute belongs to the page of its
// first spatial zone, and attributes without zones belong to page 1. A
// document's set is the concatenation of its pages' attributes in page
// order.
//
// Both per-page drafts and stored sets are encoded as canonical JSON
// (Marshal), so equal sets always produce equal bytes.
package attr

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Zone is a rectangle on a page, in image pixels.
type Zone struct {
	Page   int `json:"page"`
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Attribute is one named value found on a document.
type Attribute struct {
	Name     string      `json:"name"`
	Value    string      `json:"value"`
	Type     string      `json:"type,omitempty"`
	Zones    []Zone      `json:"zones,omitempty"`
	Children []Attribute `json:"children,omitempty"`
}

// Page returns the page an attribute is staged on.
func (a Attribute) Page() int {
	if len(a.Zones) == 0 || a.Zones[0].Page < 1 {
		return 1
	}
	return a.Zones[0].Page
}

// ByPage groups top-level attributes by page. Every page from 1 to pages
// is present in the result, with an empty slice when it has no attributes.
// Attributes staged beyond pages are kept under their own page number.
func ByPage(attrs []Attribute, pages int) map[int][]Attribute {
	out := make(map[int][]Attribute, pages)
	for p := 1; p <= pages; p++ {
		out[p] = []Attribute{}
	}
	for _, a := range attrs {
		p := a.Page()
		out[p] = append(out[p], a)
	}
	return out
}

// Flatten concatenates per-page attributes in page order.
func Flatten(pages map[int][]Attribute) []Attribute {
	nums := make([]int, 0, len(pages))
	for p := range pages {
		nums = append(nums, p)
	}
	sort.Ints(nums)

	out := []Attribute{}
	for _, p := range nums {
		out = append(out, pages[p]...)
	}
	return out
}

// Marshal encodes attributes as canonical JSON.
func Marshal(attrs []Attribute) ([]byte, error) {
	arr := make([]any, len(attrs))
	for i, a := range attrs {
		arr[i] = a.value()
	}
	return MarshalCanonical(arr)
}

// Unmarshal decodes attributes. Empty input decodes to an empty set.
func Unmarshal(data []byte) ([]Attribute, error) {
	if len(data) == 0 {
		return []Attribute{}, nil
	}
	var attrs []Attribute
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	if attrs == nil {
		attrs = []Attribute{}
	}
	return attrs, nil
}

// value converts an attribute to the canonical value tree.
func (a Attribute) value() map[string]any {
	v := map[string]any{
		"name":  a.Name,
		"value": a.Value,
	}
	if a.Type != "" {
		v["type"] = a.Type
	}
	if len(a.Zones) > 0 {
		zones := make([]any, len(a.Zones))
		for i, z := range a.Zones {
			zones[i] = map[string]any{
				"page":   z.Page,
				"left":   z.Left,
				"top":    z.Top,
				"right":  z.Right,
				"bottom": z.Bottom,
			}
		}
		v["zones"] = zones
	}
	if len(a.Children) > 0 {
		children := make([]any, len(a.Children))
		for i, c := range a.Children {
			children[i] = c.value()
		}
		v["children"] = children
	}
	return v
}

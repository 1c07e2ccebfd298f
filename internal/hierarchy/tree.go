// Package hierarchy builds the work-breakdown tree from dotted concept codes.
package hierarchy

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// DefaultMaxDepth bounds tree depth; deeper codes are truncated.
const DefaultMaxDepth = 10

// Kind distinguishes inner nodes from leaves.
type Kind string

const (
	KindCategory Kind = "category"
	KindLeaf     Kind = "leaf"
)

// Tally is what was observed for one concept code during extraction.
type Tally struct {
	Rows   int
	Assets map[string]int
	Amount decimal.Decimal
	Label  string
}

// AddAsset counts one asset of the given type.
func (t *Tally) AddAsset(assetType string) {
	if t.Assets == nil {
		t.Assets = make(map[string]int)
	}
	t.Assets[assetType]++
}

// Node is one position in the tree. RowCount, AssetCount, AssetCounts and
// TotalAmount are aggregated: a leaf carries its own tally, a category the
// sum over its direct children. The Direct* fields hold what was tagged
// with exactly this code.
type Node struct {
	Code             string          `json:"code"`
	ParentCode       string          `json:"parentCode,omitempty"`
	Depth            int             `json:"depth"`
	Label            string          `json:"label"`
	Kind             Kind            `json:"kind"`
	RowCount         int             `json:"rowCount"`
	DirectRowCount   int             `json:"directRowCount"`
	AssetCount       int             `json:"assetCount"`
	DirectAssetCount int             `json:"directAssetCount"`
	AssetCounts      map[string]int  `json:"assetCounts,omitempty"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	ChildCount       int             `json:"childCount"`
	Children         []*Node         `json:"children,omitempty"`
}

// Tree is the stored hierarchy: the nested forest plus its pre-order flattening.
type Tree struct {
	Roots      []*Node  `json:"roots"`
	FlatList   []Node   `json:"flatList"`
	TotalNodes int      `json:"totalNodes"`
	MaxDepth   int      `json:"maxDepth"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Builder assembles a Tree from per-code tallies.
type Builder struct {
	MaxDepth int
}

// Build creates a node for every code and every prefix of a code, then
// aggregates counts bottom-up in one pass. Codes deeper than MaxDepth are
// folded into their truncated prefix and reported in Warnings.
func (b Builder) Build(tallies map[string]*Tally) *Tree {
	maxDepth := b.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	merged := make(map[string]*Tally, len(tallies))
	var warnings []string
	for _, code := range sortedCodes(tallies) {
		t := tallies[code]
		target, cut := Truncate(code, maxDepth)
		if cut {
			warnings = append(warnings, fmt.Sprintf("code %s exceeds depth %d, counted under %s", code, maxDepth, target))
		}
		merged[target] = mergeTally(merged[target], t)
	}

	nodes := make(map[string]*Node)
	var ensure func(code string) *Node
	ensure = func(code string) *Node {
		if n, ok := nodes[code]; ok {
			return n
		}
		n := &Node{Code: code, Depth: len(Segments(code)), Label: code}
		nodes[code] = n
		if parent := Parent(code); parent != "" {
			p := ensure(parent)
			n.ParentCode = parent
			p.Children = append(p.Children, n)
		}
		return n
	}

	for code, t := range merged {
		n := ensure(code)
		n.DirectRowCount = t.Rows
		n.DirectAssetCount = sumCounts(t.Assets)
		if t.Label != "" {
			n.Label = t.Label
		}
	}

	var roots []*Node
	for _, n := range nodes {
		if n.ParentCode == "" {
			roots = append(roots, n)
		}
	}

	tree := &Tree{Warnings: warnings}
	sortNodes(roots)
	for _, r := range roots {
		aggregate(r, merged)
	}
	tree.Roots = roots
	tree.reindex()
	return tree
}

func aggregate(n *Node, tallies map[string]*Tally) {
	sortNodes(n.Children)
	n.ChildCount = len(n.Children)
	if len(n.Children) == 0 {
		n.Kind = KindLeaf
		t := tallies[n.Code]
		if t == nil {
			t = &Tally{}
		}
		n.RowCount = t.Rows
		n.AssetCounts = copyCounts(t.Assets)
		n.AssetCount = sumCounts(n.AssetCounts)
		n.TotalAmount = t.Amount
		return
	}

	n.Kind = KindCategory
	n.RowCount = 0
	n.AssetCount = 0
	n.AssetCounts = nil
	n.TotalAmount = decimal.Zero
	for _, c := range n.Children {
		aggregate(c, tallies)
		n.RowCount += c.RowCount
		n.AssetCount += c.AssetCount
		n.TotalAmount = n.TotalAmount.Add(c.TotalAmount)
		for k, v := range c.AssetCounts {
			if n.AssetCounts == nil {
				n.AssetCounts = make(map[string]int)
			}
			n.AssetCounts[k] += v
		}
	}
}

// reindex rebuilds the flat list and totals from Roots.
func (t *Tree) reindex() {
	t.FlatList = t.FlatList[:0]
	t.MaxDepth = 0
	var walk func(n *Node)
	walk = func(n *Node) {
		flat := *n
		flat.Children = nil
		t.FlatList = append(t.FlatList, flat)
		if n.Depth > t.MaxDepth {
			t.MaxDepth = n.Depth
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, r := range t.Roots {
		walk(r)
	}
	t.TotalNodes = len(t.FlatList)
	if t.Roots == nil {
		t.Roots = []*Node{}
	}
	if t.FlatList == nil {
		t.FlatList = []Node{}
	}
}

// FilterOptions narrow a stored tree for presentation.
type FilterOptions struct {
	IncludeEmpty bool
	MaxDepth     int
}

// Filter returns a copy of the tree without nodes deeper than MaxDepth and,
// unless IncludeEmpty, without nodes that have neither rows nor assets.
// Stored counts are kept as they are.
func (t *Tree) Filter(opts FilterOptions) *Tree {
	out := &Tree{Warnings: t.Warnings}
	var clone func(n *Node) *Node
	clone = func(n *Node) *Node {
		if opts.MaxDepth > 0 && n.Depth > opts.MaxDepth {
			return nil
		}
		if !opts.IncludeEmpty && n.RowCount == 0 && n.AssetCount == 0 {
			return nil
		}
		c := *n
		c.Children = nil
		for _, child := range n.Children {
			if cc := clone(child); cc != nil {
				c.Children = append(c.Children, cc)
			}
		}
		return &c
	}
	for _, r := range t.Roots {
		if c := clone(r); c != nil {
			out.Roots = append(out.Roots, c)
		}
	}
	out.reindex()
	return out
}

// Find returns the node with the given code.
func (t *Tree) Find(code string) (*Node, bool) {
	var find func(nodes []*Node) *Node
	find = func(nodes []*Node) *Node {
		for _, n := range nodes {
			if n.Code == code {
				return n
			}
			if found := find(n.Children); found != nil {
				return found
			}
		}
		return nil
	}
	n := find(t.Roots)
	return n, n != nil
}

func mergeTally(dst, src *Tally) *Tally {
	if dst == nil {
		dst = &Tally{Amount: decimal.Zero}
	}
	if src == nil {
		return dst
	}
	dst.Rows += src.Rows
	dst.Amount = dst.Amount.Add(src.Amount)
	if dst.Label == "" {
		dst.Label = src.Label
	}
	for k, v := range src.Assets {
		if dst.Assets == nil {
			dst.Assets = make(map[string]int)
		}
		dst.Assets[k] += v
	}
	return dst
}

func sortedCodes(tallies map[string]*Tally) []string {
	codes := make([]string, 0, len(tallies))
	for c := range tallies {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return Compare(codes[i], codes[j]) < 0 })
	return codes
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return Compare(nodes[i].Code, nodes[j].Code) < 0 })
}

func sumCounts(m map[string]int) int {
	total := 0
	for _, v := range m {
		total += v
	}
	return total
}

func copyCounts(m map[string]int) map[string]int {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

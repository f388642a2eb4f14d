// Package layer classifies file-level work items into architectural layers
// so the runner can respect compile/import ordering that task dependencies
// do not spell out.
package layer

import (
	"sort"
	"strconv"
)

// Layer is a rational priority bucket. Lower layers must be dispatched
// before higher ones.
type Layer float64

// The architectural ordering: data schema through top-level pages.
const (
	LayerSchema    Layer = 1
	LayerSeed      Layer = 2
	LayerTypes     Layer = 3
	LayerLib       Layer = 4
	LayerAPI       Layer = 5
	LayerActions   Layer = 6
	LayerLeaf      Layer = 7.1
	LayerComposite Layer = 7.2
	// LayerDefault catches unmatched paths: after leaf components, before
	// pages, so unknown files never jump ahead of the scaffolding they
	// likely import.
	LayerDefault Layer = 7.5
	LayerPage    Layer = 8
)

func (l Layer) String() string {
	return strconv.FormatFloat(float64(l), 'g', -1, 64)
}

// Action says what happens to a work item's target file.
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// WorkItem is one file-level unit of change inside a task's implementation.
// A single task may decompose into many work items sharing one layer space.
type WorkItem struct {
	Path     string         `json:"path"`
	Action   Action         `json:"action"`
	TaskID   string         `json:"task_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// GroupByLayer partitions items into layer → items, preserving per-layer
// input order. Layers with no items are absent from the result.
func GroupByLayer(items []WorkItem) map[Layer][]WorkItem {
	groups := make(map[Layer][]WorkItem)
	for _, item := range items {
		l := Classify(item.Path)
		groups[l] = append(groups[l], item)
	}
	return groups
}

// SortedLayers returns the group keys in ascending priority order.
func SortedLayers(groups map[Layer][]WorkItem) []Layer {
	layers := make([]Layer, 0, len(groups))
	for l := range groups {
		layers = append(layers, l)
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i] < layers[j] })
	return layers
}

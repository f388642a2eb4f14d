package layer

import (
	"path"
	"strings"
)

// rule maps a path predicate to a layer. Rules are checked top to bottom,
// most specific first; the first match wins.
type rule struct {
	name  string
	match func(p pathParts) bool
	layer Layer
}

type pathParts struct {
	full string // normalized, forward slashes, lowercase
	base string // file name, lowercase
	stem string // file name without extension, original case
}

var compositeSuffixes = []string{
	"Section", "List", "Table", "Layout", "Panel", "Grid", "Form", "Dashboard",
}

var rules = []rule{
	{
		name: "schema",
		match: func(p pathParts) bool {
			return strings.HasSuffix(p.full, "schema.prisma") ||
				strings.Contains(p.full, "/migrations/") ||
				strings.HasSuffix(p.base, ".sql")
		},
		layer: LayerSchema,
	},
	{
		name: "seed",
		match: func(p pathParts) bool {
			return strings.Contains(p.base, "seed") ||
				strings.Contains(p.full, "/fixtures/")
		},
		layer: LayerSeed,
	},
	{
		name: "types",
		match: func(p pathParts) bool {
			return strings.Contains(p.full, "/types/") ||
				strings.HasSuffix(p.full, "/types.ts") ||
				strings.HasSuffix(p.base, ".d.ts")
		},
		layer: LayerTypes,
	},
	{
		name: "lib",
		match: func(p pathParts) bool {
			return strings.Contains(p.full, "/lib/") ||
				strings.Contains(p.full, "/utils/") ||
				strings.Contains(p.full, "/hooks/")
		},
		layer: LayerLib,
	},
	{
		name: "api",
		match: func(p pathParts) bool {
			return strings.Contains(p.full, "/api/") &&
				strings.HasPrefix(p.base, "route.")
		},
		layer: LayerAPI,
	},
	{
		name: "actions",
		match: func(p pathParts) bool {
			return strings.Contains(p.full, "/actions/") ||
				strings.HasSuffix(p.base, ".actions.ts")
		},
		layer: LayerActions,
	},
	{
		name: "page",
		match: func(p pathParts) bool {
			if strings.HasPrefix(p.base, "page.") || strings.HasPrefix(p.base, "layout.") {
				return true
			}
			return strings.Contains(p.full, "/pages/")
		},
		layer: LayerPage,
	},
	{
		name: "composite-component",
		match: func(p pathParts) bool {
			if !strings.Contains(p.full, "/components/") {
				return false
			}
			for _, suffix := range compositeSuffixes {
				if strings.HasSuffix(p.stem, suffix) {
					return true
				}
			}
			return false
		},
		layer: LayerComposite,
	},
	{
		name: "leaf-component",
		match: func(p pathParts) bool {
			return strings.Contains(p.full, "/components/")
		},
		layer: LayerLeaf,
	},
}

// Classify maps a target path to its layer. Pure and deterministic: the same
// path always yields the same layer, and every path yields exactly one.
func Classify(target string) Layer {
	p := splitPath(target)
	for _, r := range rules {
		if r.match(p) {
			return r.layer
		}
	}
	return LayerDefault
}

func splitPath(target string) pathParts {
	normalized := strings.ReplaceAll(target, "\\", "/")
	base := path.Base(normalized)
	stem := strings.TrimSuffix(base, path.Ext(base))
	return pathParts{
		full: "/" + strings.ToLower(strings.TrimPrefix(normalized, "/")),
		base: strings.ToLower(base),
		stem: stem,
	}
}

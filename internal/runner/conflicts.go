package runner

import "mason/internal/layer"

// DetectConflicts returns exactly the set of target paths that occur two or
// more times in the batch, mapped to their occurrence count. A batch of
// unique paths yields an empty map.
func DetectConflicts(items []layer.WorkItem) map[string]int {
	counts := make(map[string]int, len(items))
	for _, item := range items {
		counts[item.Path]++
	}
	conflicts := make(map[string]int)
	for path, count := range counts {
		if count >= 2 {
			conflicts[path] = count
		}
	}
	return conflicts
}

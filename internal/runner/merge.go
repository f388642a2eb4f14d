package runner

// MergeResults folds a layer's results into the cumulative run records:
// every result's modified-file list is unioned into modified (duplicates
// dropped, existing entries kept in place and in order), and every recorded
// error is appended to parallelErrors. Both inputs are returned updated.
func MergeResults(results []Result, modified []string, parallelErrors []string) ([]string, []string) {
	seen := make(map[string]struct{}, len(modified))
	for _, path := range modified {
		seen[path] = struct{}{}
	}

	for _, result := range results {
		for _, path := range result.ModifiedFiles {
			if _, ok := seen[path]; ok {
				continue
			}
			seen[path] = struct{}{}
			modified = append(modified, path)
		}
		if result.Error != "" {
			parallelErrors = append(parallelErrors, result.Error)
		}
	}
	return modified, parallelErrors
}

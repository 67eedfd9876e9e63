package common

import "strings"

// Head returns at most n leading elements of xs.
func Head[T any](xs []T, n int) []T {
	if n < 0 || len(xs) <= n {
		return xs
	}
	return xs[:n]
}

// PyList renders items the way the audit files have always shown samples,
// e.g. ['2021-01-01 00:00:00', '2021-01-02 00:00:00'].
func PyList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

package slices

// RemoveInPlace removes all elements from a slice that match the given predicate.
// Does not allocate a new slice.
func RemoveInPlace[T any](collection []T, predicate func(T, int) bool) []T {
	i := 0
	for j, x := range collection {
		if !predicate(x, j) {
			collection[i] = x
			i++
		}
	}
	clear(collection[i:])
	return collection[:i]
}

// GrowLen returns a slice of length n, reusing the capacity of s
// if possible. The contents are not preserved.
func GrowLen[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}

package reducer

// numel returns the element count implied by a shape.
func numel(sizes []int64) int64 {
	n := int64(1)
	for _, s := range sizes {
		n *= s
	}
	return n
}

func int64SliceEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func minIndex(indices []int) int {
	m := indices[0]
	for _, v := range indices[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

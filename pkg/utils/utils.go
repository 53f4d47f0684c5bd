package utils

// Assert panics with message if condition is false
func Assert(condition bool, message string) {
	if !condition {
		panic(message)
	}
}

// CeilLog2 returns the smallest k with 1<<k >= n
func CeilLog2(n uint64) int {
	k := 0
	for (uint64(1) << k) < n {
		k++
	}
	return k
}

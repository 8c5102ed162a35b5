package protocol

// Index returns the position of the first occurrence of needle in haystack,
// or -1. Unlike bytes.Index an empty needle never matches.
func Index(haystack, needle []byte) int {
	if len(haystack) == 0 || len(needle) == 0 {
		return -1
	}
	last := len(haystack) - len(needle)
	for i := 0; i <= last; i++ {
		if haystack[i] != needle[0] {
			continue
		}
		match := true
		for j := 1; j < len(needle); j++ {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

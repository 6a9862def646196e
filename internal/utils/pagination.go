// Package utils holds small helpers shared by the HTTP layer.
package utils

import "strconv"

// AtoiDefault parses s as an int, returning def when s is empty or invalid.
//
//	utils.AtoiDefault("42", 0) // 42
//	utils.AtoiDefault("x", 5)  // 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampPage parses page and page_size query values. page is at least 1;
// size falls back to def when absent and is kept within [1, max].
func ClampPage(pageStr, sizeStr string, def, max int) (page, size int) {
	page = AtoiDefault(pageStr, 1)
	if page < 1 {
		page = 1
	}
	size = AtoiDefault(sizeStr, def)
	if size < 1 {
		size = 1
	}
	if max > 0 && size > max {
		size = max
	}
	return page, size
}

// TotalPages is ceil(total/size); zero when size is not positive.
func TotalPages(total int64, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}

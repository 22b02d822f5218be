package entity

import (
	"time"
)

// NowUnixMilli returns current unix timestamp in milliseconds
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

// MaxInt64 returns the larger of a and b
func MaxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

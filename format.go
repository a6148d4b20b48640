/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"
)

func humanReadableSize(bytes int64) string {
	const unit int64 = 1000

	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	value := float64(bytes)
	suffixes := "kMGTPE"
	exp := -1

	for value >= float64(unit) && exp < len(suffixes)-1 {
		value /= float64(unit)
		exp++
	}

	return fmt.Sprintf("%.1f %cB", value, suffixes[exp])
}

// redact keeps secrets out of logs while leaving enough to tell them apart.
func redact(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}

	return secret[:4] + "…"
}

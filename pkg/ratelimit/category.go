package ratelimit

import (
	"strings"
	"time"

	"conduit/pkg/policy"
)

// Category buckets actions for counting. Every action falls into exactly one.
type Category string

const (
	CategoryReads     Category = "reads"
	CategoryWrites    Category = "writes"
	CategorySends     Category = "sends"
	CategoryDeletes   Category = "deletes"
	CategoryDownloads Category = "downloads"
	CategoryUploads   Category = "uploads"
)

// Categorize buckets an action name by substring. Order matters: transfer
// verbs first, then outbound sends, then destructive verbs, then generic
// mutations. Anything left is a read.
func Categorize(action string) Category {
	a := strings.ToLower(action)
	switch {
	case strings.Contains(a, "download"), strings.Contains(a, "clone"):
		return CategoryDownloads
	case strings.Contains(a, "upload"):
		return CategoryUploads
	case strings.Contains(a, "send"), strings.Contains(a, "push"),
		strings.Contains(a, "create_pr"), strings.Contains(a, "reply"),
		strings.Contains(a, "draft"), strings.Contains(a, "react"):
		return CategorySends
	case strings.Contains(a, "delete"), strings.Contains(a, "trash"), strings.Contains(a, "remove"):
		return CategoryDeletes
	case strings.Contains(a, "create"), strings.Contains(a, "update"),
		strings.Contains(a, "write"), strings.Contains(a, "archive"),
		strings.Contains(a, "label"), strings.Contains(a, "move"),
		strings.Contains(a, "share"), strings.Contains(a, "merge"),
		strings.Contains(a, "review"), strings.Contains(a, "comment"),
		strings.Contains(a, "close_issue"), strings.Contains(a, "respond"):
		return CategoryWrites
	default:
		return CategoryReads
	}
}

// Resolve picks the limit and window for a category from a policy's limits.
// ok is false when the policy sets no limit for the category, meaning the
// action is uncounted. A configured limit of zero blocks the category.
//
// Sends carry two windows. Gmail prefers the daily budget with the hourly one
// as fallback; chat providers prefer hourly with daily as fallback.
func Resolve(limits policy.RateLimits, provider policy.Provider, category Category) (limit int, window time.Duration, ok bool) {
	pick := func(v *int, w time.Duration) (int, time.Duration, bool) {
		if v == nil {
			return 0, 0, false
		}
		return *v, w, true
	}
	switch category {
	case CategoryReads:
		return pick(limits.ReadsPerMinute, time.Minute)
	case CategoryWrites:
		return pick(limits.WritesPerMinute, time.Minute)
	case CategorySends:
		if provider == policy.ProviderGmail {
			if limits.SendsPerDay != nil {
				return *limits.SendsPerDay, 24 * time.Hour, true
			}
			return pick(limits.SendsPerHour, time.Hour)
		}
		if limits.SendsPerHour != nil {
			return *limits.SendsPerHour, time.Hour, true
		}
		return pick(limits.SendsPerDay, 24*time.Hour)
	case CategoryDeletes:
		return pick(limits.DeletesPerHour, time.Hour)
	case CategoryDownloads:
		return pick(limits.DownloadsPerHour, time.Hour)
	case CategoryUploads:
		return pick(limits.UploadsPerHour, time.Hour)
	}
	return 0, 0, false
}

// Package listutil holds the ordering and deduplication primitives shared by
// the channel, thread and message lists.
package listutil

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// SortDirection is 1 for ascending and -1 for descending.
type SortDirection int

const (
	Ascending  SortDirection = 1
	Descending SortDirection = -1
)

// FindIndexInSorted returns the index at which needle can be inserted while
// keeping sorted ordered by compare. Ascending order resolves ties to the
// rightmost slot, descending order to the leftmost. When key is non-nil and
// the probed element compares equal to needle with the same key, that
// element's index is returned so callers can replace it in place.
func FindIndexInSorted[T any](needle T, sorted []T, dir SortDirection, compare func(a, b T) int, key func(T) string) int {
	if len(sorted) == 0 {
		return 0
	}

	var needleKey string
	if key != nil {
		needleKey = key(needle)
	}

	left := 0
	right := len(sorted) - 1

	for left <= right {
		middle := (left + right + 1) / 2
		c := compare(needle, sorted[middle])

		if key != nil && c == 0 && key(sorted[middle]) == needleKey {
			return middle
		}

		var goLeft bool
		if dir == Descending {
			goLeft = c >= 0
		} else {
			goLeft = c < 0
		}

		if goLeft {
			right = middle - 1
		} else {
			left = middle + 1
		}
	}

	return left
}

// undefinedKey is shared by every element whose key cannot be computed.
type undefinedKey struct{}

// UniqBy returns a new slice holding the first element for every distinct
// key. The input is never modified.
func UniqBy[T any, K comparable](list []T, key func(T) K) []T {
	seen := make(map[K]struct{}, len(list))
	out := make([]T, 0, len(list))

	for _, item := range list {
		k := key(item)
		if _, dup := seen[k]; dup {
			continue
		}

		seen[k] = struct{}{}
		out = append(out, item)
	}

	return out
}

// UniqByPath is UniqBy keyed on a dotted JSON path such as "channel.cid".
// Elements that fail to encode or lack the path share a single undefined key.
func UniqByPath[T any](list []T, path string) []T {
	return UniqBy(list, func(item T) any {
		data, err := json.Marshal(item)
		if err != nil {
			return undefinedKey{}
		}

		res := gjson.GetBytes(data, path)
		if !res.Exists() {
			return undefinedKey{}
		}

		return res.Raw
	})
}

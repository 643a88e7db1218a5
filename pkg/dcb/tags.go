package dcb

import (
	"sort"
	"strings"
)

// Tags are persisted as a PostgreSQL TEXT[] of "key=value" strings sorted
// lexicographically, so containment (@>) and per-key LIKE probes work on the
// stored form. The "=" separator is part of the schema contract; values may
// themselves contain "=" because parsing splits on the first separator only.

// TagsToArray converts tags to their stored TEXT[] representation.
func TagsToArray(tags []Tag) []string {
	if len(tags) == 0 {
		return []string{}
	}

	result := make([]string, len(tags))
	for i, tag := range tags {
		result[i] = tag.Key + "=" + tag.Value
	}

	sort.Strings(result)
	return result
}

// ParseTagsArray converts a stored TEXT[] back to tags. Malformed elements
// (no separator, empty key) are skipped.
func ParseTagsArray(arr []string) []Tag {
	if len(arr) == 0 {
		return []Tag{}
	}

	tags := make([]Tag, 0, len(arr))
	for _, item := range arr {
		if item == "" {
			continue
		}

		parts := strings.SplitN(item, "=", 2)
		if len(parts) == 2 && parts[0] != "" {
			tags = append(tags, Tag{Key: parts[0], Value: parts[1]})
		}
	}
	return tags
}

// TagsContain reports whether haystack contains the exact (key, value) pair.
func TagsContain(haystack []Tag, key, value string) bool {
	for _, t := range haystack {
		if t.Key == key && t.Value == value {
			return true
		}
	}
	return false
}

// TagsHaveKey reports whether any tag carries the given key.
func TagsHaveKey(haystack []Tag, key string) bool {
	for _, t := range haystack {
		if t.Key == key {
			return true
		}
	}
	return false
}

// Package outbox drains the event log into named downstream publishers with
// per-(topic, publisher) position tracking, leader election, and
// circuit-breaker-guarded delivery.
package outbox

import (
	"fmt"
	"sort"
	"strings"

	"github.com/crablet/crablet-go/pkg/dcb"
)

// TopicConfig names a subset of the log. An event belongs to the topic when
// it carries every key in RequiredTags, at least one key from AnyOfTags (when
// non-empty), and every exact key=value pair in ExactTags. An empty config
// matches every event.
type TopicConfig struct {
	Name         string            `yaml:"-"`
	RequiredTags []string          `yaml:"required_tags"`
	AnyOfTags    []string          `yaml:"any_of_tags"`
	ExactTags    map[string]string `yaml:"exact_tags"`
	Publishers   []string          `yaml:"publishers"`
}

// Matches reports whether the event belongs to the topic.
func (tc TopicConfig) Matches(event dcb.Event) bool {
	for _, key := range tc.RequiredTags {
		if !dcb.TagsHaveKey(event.Tags, key) {
			return false
		}
	}

	if len(tc.AnyOfTags) > 0 {
		found := false
		for _, key := range tc.AnyOfTags {
			if dcb.TagsHaveKey(event.Tags, key) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for key, value := range tc.ExactTags {
		if !dcb.TagsContain(event.Tags, key, value) {
			return false
		}
	}

	return true
}

// appendFilterSQL translates the topic filter into SQL conditions over the
// events table. It mirrors Matches so in-memory routing and fetch queries
// agree on membership. Tag elements are "key=value" strings, so key presence
// is a LIKE 'key=%' over the unnested array and exact pairs are array
// containment.
func (tc TopicConfig) appendFilterSQL(conditions []string, args []any, argIndex int) ([]string, []any, int) {
	for _, key := range tc.RequiredTags {
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM unnest(tags) AS t WHERE t LIKE $%d)", argIndex))
		args = append(args, likeKeyPattern(key))
		argIndex++
	}

	if len(tc.AnyOfTags) > 0 {
		likes := make([]string, 0, len(tc.AnyOfTags))
		for _, key := range tc.AnyOfTags {
			likes = append(likes, fmt.Sprintf("t LIKE $%d", argIndex))
			args = append(args, likeKeyPattern(key))
			argIndex++
		}
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM unnest(tags) AS t WHERE %s)", strings.Join(likes, " OR ")))
	}

	if len(tc.ExactTags) > 0 {
		pairs := make([]string, 0, len(tc.ExactTags))
		for key, value := range tc.ExactTags {
			pairs = append(pairs, key+"="+value)
		}
		sort.Strings(pairs)
		conditions = append(conditions, fmt.Sprintf("tags @> $%d::text[]", argIndex))
		args = append(args, pairs)
		argIndex++
	}

	return conditions, args, argIndex
}

// likeKeyPattern builds the LIKE pattern matching any "key=value" element,
// escaping LIKE metacharacters in the key.
func likeKeyPattern(key string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(key)
	return escaped + "=%"
}

// Package target parses the TARGET_CHANNELS mapping that assigns each source
// channel to the category label (brand folder) its content is filed under.
//
// Format: comma-separated entries, each either "source:label" or a bare
// "source". Entries that cannot be resolved to a label fall back to
// Uncategorized so every channel is still scanned.
package target

import (
	"fmt"
	"strings"
)

// Uncategorized is the category assigned when an entry carries no usable label.
const Uncategorized = "Uncategorized"

const (
	entrySeparator = ","
	labelSeparator = ":"
)

// ChannelTarget pairs a source channel identifier with its category label.
type ChannelTarget struct {
	SourceID string
	Category string
}

func (t ChannelTarget) String() string {
	return fmt.Sprintf("%s:%s", t.SourceID, t.Category)
}

// Resolve parses raw into an ordered list of targets. Order follows the first
// appearance of each source; a repeated source keeps its position and takes
// the last label seen. Resolve never fails: malformed entries resolve to
// Uncategorized and entries without a source are dropped.
func Resolve(raw string) []ChannelTarget {
	var targets []ChannelTarget
	index := make(map[string]int)

	for _, entry := range strings.Split(raw, entrySeparator) {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		source, label := parseEntry(entry)
		if source == "" {
			continue
		}
		if i, ok := index[source]; ok {
			targets[i].Category = label
			continue
		}
		index[source] = len(targets)
		targets = append(targets, ChannelTarget{SourceID: source, Category: label})
	}
	return targets
}

// parseEntry splits one entry into source and label. More than two parts is
// treated as an unresolvable label, not an error.
func parseEntry(entry string) (string, string) {
	parts := strings.Split(entry, labelSeparator)
	source := strings.TrimSpace(parts[0])
	if len(parts) != 2 {
		return source, Uncategorized
	}
	label := strings.TrimSpace(parts[1])
	if label == "" {
		label = Uncategorized
	}
	return source, label
}

// Describe renders targets for startup logging, e.g. "100:BrandA,200:Uncategorized".
func Describe(targets []ChannelTarget) string {
	parts := make([]string, len(targets))
	for i, t := range targets {
		parts[i] = t.String()
	}
	return strings.Join(parts, entrySeparator)
}

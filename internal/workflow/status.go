// Package workflow derives group-level generation status from the image
// pair index. The derivation is recomputed on every read and never stored.
package workflow

import (
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"server/internal/domain"
)

// GroupStatus is the computed generation status of one item group.
type GroupStatus string

const (
	GroupStatusDone          GroupStatus = "done"
	GroupStatusMainGenerated GroupStatus = "main_generated"
	GroupStatusNotGenerated  GroupStatus = "not_generated"
)

// StemPolicy decides which source reference counts as a group's "main" item.
// The convention is a naming heuristic, so it is configuration rather than
// hard-coded parsing.
type StemPolicy struct {
	MainSuffix string
}

// DefaultStemPolicy treats a trailing "_1" segment as the main item.
func DefaultStemPolicy() StemPolicy {
	return StemPolicy{MainSuffix: "_1"}
}

// Stem returns the reference's base name without directory or extension.
func (p StemPolicy) Stem(ref string) string {
	base := path.Base(strings.TrimSpace(ref))
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// IsMain reports whether the reference names a group's main item.
func (p StemPolicy) IsMain(ref string) bool {
	suffix := p.MainSuffix
	if suffix == "" {
		suffix = "_1"
	}
	return strings.HasSuffix(p.Stem(ref), suffix)
}

// GroupName derives the item-group name from a source reference by stripping
// the trailing numeric index segment, if any.
func (p StemPolicy) GroupName(ref string) string {
	stem := p.Stem(ref)
	idx := strings.LastIndex(stem, "_")
	if idx <= 0 {
		return stem
	}
	tail := stem[idx+1:]
	if tail == "" {
		return stem
	}
	for _, r := range tail {
		if !unicode.IsDigit(r) {
			return stem
		}
	}
	return stem[:idx]
}

// DeriveGroupStatus computes the coarse generation status for a set of pairs
// belonging to one workflow state: done when every input has a result,
// main_generated when at least the main input has one, not_generated otherwise.
func DeriveGroupStatus(pairs []domain.ImagePair, policy StemPolicy) GroupStatus {
	if len(pairs) == 0 {
		return GroupStatusNotGenerated
	}
	all := true
	mainDone := false
	for _, pair := range pairs {
		has := pair.ResultRef != nil && *pair.ResultRef != ""
		if !has {
			all = false
			continue
		}
		if policy.IsMain(pair.SourceRef) {
			mainDone = true
		}
	}
	switch {
	case all:
		return GroupStatusDone
	case mainDone:
		return GroupStatusMainGenerated
	default:
		return GroupStatusNotGenerated
	}
}

var titleCaser = cases.Title(language.English)

// DisplayTitle renders a group name for dashboard listings.
func DisplayTitle(groupName string) string {
	cleaned := strings.NewReplacer("_", " ", "-", " ").Replace(strings.TrimSpace(groupName))
	if cleaned == "" {
		return ""
	}
	return titleCaser.String(cleaned)
}

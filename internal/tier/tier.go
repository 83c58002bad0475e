// Package tier maps subscription tiers to the limits a crawl run may use.
package tier

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
)

// Fallback is the tier used for unknown or empty names.
const Fallback = "basic"

// Table is a static crawler.TierLimits.
type Table struct {
	limits map[string]crawler.Limits
}

// Default returns the built-in tiers.
func Default() map[string]crawler.Limits {
	return map[string]crawler.Limits{
		"basic":      {MaxEntities: 10, MaxItems: 20, MaxPageBound: 2, MaxProfileItems: 5},
		"premium":    {MaxEntities: 50, MaxItems: 100, MaxPageBound: 5, MaxProfileItems: 25},
		"enterprise": {MaxEntities: 200, MaxItems: 500, MaxPageBound: 10, MaxProfileItems: 100},
	}
}

// New builds a table from limits, falling back to Default when empty. Names are
// matched case-insensitively.
func New(limits map[string]crawler.Limits) *Table {
	if len(limits) == 0 {
		limits = Default()
	}
	t := &Table{limits: make(map[string]crawler.Limits, len(limits))}
	for name, l := range limits {
		t.limits[strings.ToLower(strings.TrimSpace(name))] = l
	}
	return t
}

// Limits returns the limits for name; unknown tiers get the basic limits, or
// the smallest configured tier when basic is absent.
func (t *Table) Limits(name string) crawler.Limits {
	if l, ok := t.limits[strings.ToLower(strings.TrimSpace(name))]; ok {
		return l
	}
	if l, ok := t.limits[Fallback]; ok {
		return l
	}
	names := t.Names()
	if len(names) == 0 {
		return crawler.Limits{}
	}
	return t.limits[names[0]]
}

// Names lists configured tiers ordered by MaxEntities, then name.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.limits))
	for name := range t.limits {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		if d := t.limits[a].MaxEntities - t.limits[b].MaxEntities; d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	return names
}

// Clamp bounds requested by limits. A zero or negative requested value takes
// the limit itself. Restricted reports whether any requested value was cut.
func Clamp(requested, limits crawler.Limits) (crawler.Limits, bool) {
	restricted := false
	clamp := func(want, limit int) int {
		if want <= 0 {
			return limit
		}
		if limit > 0 && want > limit {
			restricted = true
			return limit
		}
		return want
	}
	out := crawler.Limits{
		MaxEntities:  clamp(requested.MaxEntities, limits.MaxEntities),
		MaxItems:     clamp(requested.MaxItems, limits.MaxItems),
		MaxPageBound: clamp(requested.MaxPageBound, limits.MaxPageBound),
	}
	return out, restricted
}

// Profile returns the limits that apply to single-profile runs: every post
// may come from the one account, a profile is one page, and the post count is
// capped by MaxProfileItems (MaxItems when a tier leaves it unset).
func (t *Table) Profile() crawler.TierLimits {
	return profileLimits{t}
}

// MaxProfileItems is the largest profile post cap across tiers.
func (t *Table) MaxProfileItems() int {
	largest := 0
	for _, name := range t.Names() {
		largest = max(largest, profileCap(t.limits[name]))
	}
	return largest
}

type profileLimits struct {
	table *Table
}

func (p profileLimits) Limits(name string) crawler.Limits {
	n := profileCap(p.table.Limits(name))
	return crawler.Limits{MaxEntities: n, MaxItems: n, MaxPageBound: 1}
}

func profileCap(l crawler.Limits) int {
	if l.MaxProfileItems > 0 {
		return l.MaxProfileItems
	}
	return l.MaxItems
}

// Suggestion names the smallest tier that would serve a request in full.
type Suggestion struct {
	Tier   string
	Limits crawler.Limits
	Reason string
}

// Suggest reports whether a request for entities accounts over pages result
// pages exceeds the current tier and, if so, which tier to move to. When no
// tier is large enough the largest one is suggested.
func (t *Table) Suggest(current string, entities, pages int) (Suggestion, bool) {
	fits := func(l crawler.Limits) bool {
		return withinLimit(entities, l.MaxEntities) && withinLimit(pages, l.MaxPageBound)
	}
	if fits(t.Limits(current)) {
		return Suggestion{}, false
	}
	names := t.Names()
	if len(names) == 0 {
		return Suggestion{}, false
	}
	for _, name := range names {
		if l := t.limits[name]; fits(l) {
			return Suggestion{
				Tier:   name,
				Limits: l,
				Reason: fmt.Sprintf("to process %d accounts and %d pages", entities, pages),
			}, true
		}
	}
	largest := names[len(names)-1]
	return Suggestion{Tier: largest, Limits: t.limits[largest], Reason: "for maximum processing capacity"}, true
}

func withinLimit(want, limit int) bool {
	return want <= 0 || limit <= 0 || want <= limit
}

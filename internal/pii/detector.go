package pii

import (
	"sort"

	"go.uber.org/zap"

	"github.com/cloaklabs/cloak/internal/logger"
)

// Detector scans text for PII using the registry's rules.
type Detector struct {
	registry *Registry
	logger   *logger.Logger
}

// NewDetector creates a detector over the given registry.
func NewDetector(registry *Registry, log *logger.Logger) *Detector {
	return &Detector{
		registry: registry,
		logger:   log.WithComponent("pii-detector"),
	}
}

// Detect scans text and returns non-overlapping matches ordered by ascending
// start offset. Rules run in priority order; bytes claimed by a
// higher-priority rule are invisible to every rule after it, so a card
// number is never re-matched as a phone number or account number.
// Detection never fails: text without PII yields an empty result.
func (d *Detector) Detect(text string) []Match {
	if text == "" {
		return nil
	}

	claimed := make([]bool, len(text))
	var matches []Match

	for _, rule := range d.registry.Rules() {
		locs := rule.Pattern.FindAllStringIndex(text, -1)
		for _, loc := range locs {
			if spanClaimed(claimed, loc[0], loc[1]) {
				continue
			}
			for i := loc[0]; i < loc[1]; i++ {
				claimed[i] = true
			}
			matches = append(matches, Match{
				Category: rule.Category,
				Value:    text[loc[0]:loc[1]],
				Start:    loc[0],
				End:      loc[1],
			})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Start < matches[j].Start
	})

	if len(matches) > 0 {
		d.logger.Debug("PII detected",
			zap.Int("matches", len(matches)),
			zap.Int("text_length", len(text)),
		)
	}

	return matches
}

// spanClaimed reports whether any byte in [start, end) is already claimed.
func spanClaimed(claimed []bool, start, end int) bool {
	for i := start; i < end; i++ {
		if claimed[i] {
			return true
		}
	}
	return false
}

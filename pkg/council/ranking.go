package council

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/opencouncil/councild/pkg/models"
)

const rankingSentinel = "FINAL RANKING:"

var (
	numberedItemRe = regexp.MustCompile(`\d+\.\s*Response [A-Z]`)
	labelRe        = regexp.MustCompile(`Response [A-Z]`)
)

// ParseRanking extracts an ordered list of "Response X" labels from free-form
// evaluator text. When the FINAL RANKING: sentinel is present only the text
// after it is considered, preferring numbered items over bare labels.
// Matching is case-sensitive; the result may be empty and is not deduplicated.
func ParseRanking(text string) []string {
	scope := text
	if idx := strings.Index(text, rankingSentinel); idx >= 0 {
		scope = text[idx+len(rankingSentinel):]
		if numbered := numberedItemRe.FindAllString(scope, -1); len(numbered) > 0 {
			labels := make([]string, len(numbered))
			for i, item := range numbered {
				labels[i] = labelRe.FindString(item)
			}
			return labels
		}
	}
	return labelRe.FindAllString(scope, -1)
}

// AggregateRankings computes each model's average 1-based position across the
// evaluators that ranked it. labels fixes the output order for ties; entries
// referencing labels outside labelToModel contribute nothing. Models never
// mentioned have no entry.
func AggregateRankings(parsed [][]string, labels []string, labelToModel map[string]string) []models.AggregateRanking {
	sums := make(map[string]int, len(labels))
	counts := make(map[string]int, len(labels))
	for _, ranking := range parsed {
		for pos, label := range ranking {
			if _, known := labelToModel[label]; !known {
				continue
			}
			sums[label] += pos + 1
			counts[label]++
		}
	}

	out := make([]models.AggregateRanking, 0, len(labels))
	for _, label := range labels {
		n := counts[label]
		if n == 0 {
			continue
		}
		avg := float64(sums[label]) / float64(n)
		out = append(out, models.AggregateRanking{
			Model:           labelToModel[label],
			AveragePosition: math.Round(avg*100) / 100,
			Rankings:        n,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AveragePosition < out[j].AveragePosition
	})
	return out
}

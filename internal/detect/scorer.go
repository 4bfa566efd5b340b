package detect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Scorer maps a metric value to an anomaly score in [0, 1].
type Scorer interface {
	Score(ctx context.Context, value float64) (float64, error)
}

// Tier assigns Score to values strictly greater than Above.
type Tier struct {
	Above float64 `yaml:"above"`
	Score float64 `yaml:"score"`
}

// Tiers is an ordered tier table with a fallback score.
type Tiers struct {
	Tiers   []Tier  `yaml:"tiers"`
	Default float64 `yaml:"default"`
}

// DefaultTiers is the built-in table: >90 -> 1.0, >70 -> 0.9, >50 -> 0.7,
// >30 -> 0.5, otherwise 0.3.
func DefaultTiers() Tiers {
	return Tiers{
		Tiers: []Tier{
			{Above: 90, Score: 1.0},
			{Above: 70, Score: 0.9},
			{Above: 50, Score: 0.7},
			{Above: 30, Score: 0.5},
		},
		Default: 0.3,
	}
}

// Validate checks scores are within [0, 1].
func (t Tiers) Validate() error {
	var errs []error
	if len(t.Tiers) == 0 {
		errs = append(errs, fmt.Errorf("at least one tier is required"))
	}
	for i, tier := range t.Tiers {
		if tier.Score < 0 || tier.Score > 1 {
			errs = append(errs, fmt.Errorf("tier %d: score %v outside [0, 1]", i, tier.Score))
		}
	}
	if t.Default < 0 || t.Default > 1 {
		errs = append(errs, fmt.Errorf("default score %v outside [0, 1]", t.Default))
	}
	return errors.Join(errs...)
}

// LoadTiers reads a YAML tier table from path.
func LoadTiers(path string) (Tiers, error) {
	b, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return Tiers{}, fmt.Errorf("read tiers: %w", err)
	}
	return ParseTiers(b)
}

// ParseTiers decodes and validates a YAML tier table.
func ParseTiers(b []byte) (Tiers, error) {
	var t Tiers
	if err := yaml.Unmarshal(b, &t); err != nil {
		return Tiers{}, fmt.Errorf("parse tiers: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Tiers{}, fmt.Errorf("invalid tiers: %w", err)
	}
	return t, nil
}

// RuleScorer scores values against a tier table.
type RuleScorer struct {
	tiers Tiers
}

// NewRuleScorer returns a scorer over t with tiers sorted by descending
// threshold, so the highest matching tier wins regardless of file order.
func NewRuleScorer(t Tiers) *RuleScorer {
	sorted := append([]Tier(nil), t.Tiers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Above > sorted[j].Above })
	return &RuleScorer{tiers: Tiers{Tiers: sorted, Default: t.Default}}
}

// Score implements Scorer.
func (r *RuleScorer) Score(_ context.Context, value float64) (float64, error) {
	for _, t := range r.tiers.Tiers {
		if value > t.Above {
			return t.Score, nil
		}
	}
	return r.tiers.Default, nil
}

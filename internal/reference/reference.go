// Package reference compares extracted image features against the
// human-verified reference set using weighted, range-normalized distance.
package reference

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Feature describes one comparable feature: its expected range and its
// weight in the distance.
type Feature struct {
	Name   string
	Min    float64
	Max    float64
	Weight float64
}

// DefaultFeatures are the vision features used for comparison.
var DefaultFeatures = []Feature{
	{Name: "aspect_ratio", Min: 0.3, Max: 2.0, Weight: 1.0},
	{Name: "avg_saturation", Min: 0, Max: 255, Weight: 1.0},
	{Name: "avg_brightness", Min: 0, Max: 255, Weight: 0.8},
	{Name: "texture_variance", Min: 0, Max: 5000, Weight: 0.6},
	{Name: "body_alignment", Min: 0, Max: 1.0, Weight: 1.2},
}

// Labels used for reference samples.
const (
	LabelHealthy = "healthy"
	LabelSick    = "sick"
)

// Config controls nearest-neighbour comparison.
type Config struct {
	Enabled            bool    `yaml:"enabled" json:"enabled"`
	K                  int     `yaml:"k_neighbors" json:"k_neighbors"`
	MinSamplesPerClass int     `yaml:"min_samples_per_class" json:"min_samples_per_class"`
	SimilarityWeight   float64 `yaml:"similarity_weight" json:"similarity_weight"`
}

// DefaultConfig returns the standard comparison settings.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		K:                  5,
		MinSamplesPerClass: 3,
		SimilarityWeight:   0.3,
	}
}

// Sample is a verified feature set with its class label.
type Sample struct {
	Filename string
	Label    string
	Features map[string]any
}

// Neighbor is a reference sample scored against a query.
type Neighbor struct {
	Filename   string  `json:"file"`
	Label      string  `json:"class"`
	Similarity float64 `json:"similarity"`
}

// Adjustment is the confidence nudge derived from the nearest neighbours.
// Positive values favour healthy, negative values favour sick.
type Adjustment struct {
	Used           bool       `json:"reference_used"`
	Value          float64    `json:"adjustment"`
	AvgHealthy     float64    `json:"avg_healthy_similarity"`
	AvgSick        float64    `json:"avg_sick_similarity"`
	HealthySamples int        `json:"healthy_samples"`
	SickSamples    int        `json:"sick_samples"`
	Neighbors      []Neighbor `json:"k_neighbors"`
	Reason         string     `json:"reason,omitempty"`
}

// Stats summarizes the reference set.
type Stats struct {
	HealthySamples   int     `json:"healthy_samples"`
	SickSamples      int     `json:"sick_samples"`
	TotalSamples     int     `json:"total_samples"`
	Active           bool    `json:"is_active"`
	MinRequired      int     `json:"min_required"`
	SimilarityWeight float64 `json:"similarity_weight"`
	K                int     `json:"k_neighbors"`
	StatusMessage    string  `json:"status_message"`
}

// Comparer scores feature sets against a reference set.
type Comparer struct {
	cfg      Config
	features []Feature
}

// NewComparer creates a Comparer over DefaultFeatures.
func NewComparer(cfg Config) *Comparer {
	return &Comparer{cfg: cfg, features: DefaultFeatures}
}

// ComparisonFeatures keeps only the numeric features used for comparison.
// It returns nil when none are present.
func ComparisonFeatures(features map[string]any) map[string]any {
	var out map[string]any
	for _, f := range DefaultFeatures {
		v, ok := number(features[f.Name])
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(DefaultFeatures))
		}
		out[f.Name] = v
	}
	return out
}

// Similarity returns 1 for identical feature sets and 0 for maximally
// distant ones. Features missing from either side are skipped.
func (c *Comparer) Similarity(a, b map[string]any) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	var totalWeight, weighted float64
	for _, f := range c.features {
		va, okA := number(a[f.Name])
		vb, okB := number(b[f.Name])
		if !okA || !okB {
			continue
		}
		totalWeight += f.Weight

		span := f.Max - f.Min
		if span == 0 {
			continue
		}
		na := clamp01((va - f.Min) / span)
		nb := clamp01((vb - f.Min) / span)
		weighted += f.Weight * (na - nb) * (na - nb)
	}
	if totalWeight == 0 {
		return 0
	}
	return 1 - math.Min(math.Sqrt(weighted/totalWeight), 1)
}

// Nearest ranks samples by similarity to query, highest first, returning at
// most k. Ties keep the input order. If k <= 0 the configured K is used.
func (c *Comparer) Nearest(query map[string]any, samples []Sample, k int) []Neighbor {
	if k <= 0 {
		k = c.cfg.K
	}
	query = ComparisonFeatures(query)
	if len(query) == 0 {
		return nil
	}

	scored := make([]Neighbor, 0, len(samples))
	for _, s := range samples {
		scored = append(scored, Neighbor{
			Filename:   s.Filename,
			Label:      s.Label,
			Similarity: c.Similarity(query, s.Features),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// Adjust computes the confidence adjustment for query.
func (c *Comparer) Adjust(query map[string]any, samples []Sample) Adjustment {
	healthy, sick := counts(samples)
	adj := Adjustment{HealthySamples: healthy, SickSamples: sick, Neighbors: []Neighbor{}}

	if !c.sufficient(healthy, sick) {
		adj.Reason = fmt.Sprintf("need %d samples per class, have %d healthy and %d sick",
			c.cfg.MinSamplesPerClass, healthy, sick)
		return adj
	}
	if !c.cfg.Enabled {
		adj.Reason = "reference comparison disabled"
		return adj
	}

	neighbors := c.Nearest(query, samples, c.cfg.K)
	if len(neighbors) == 0 {
		adj.Reason = "no comparable features"
		return adj
	}

	var sumH, sumS float64
	var nH, nS int
	for _, n := range neighbors {
		if n.Label == LabelHealthy {
			sumH += n.Similarity
			nH++
		} else {
			sumS += n.Similarity
			nS++
		}
	}
	if nH > 0 {
		adj.AvgHealthy = sumH / float64(nH)
	}
	if nS > 0 {
		adj.AvgSick = sumS / float64(nS)
	}
	adj.Used = true
	adj.Neighbors = neighbors
	adj.Value = (adj.AvgHealthy - adj.AvgSick) * c.cfg.SimilarityWeight
	return adj
}

// Stats reports sample counts and activation status.
func (c *Comparer) Stats(samples []Sample) Stats {
	healthy, sick := counts(samples)
	return Stats{
		HealthySamples:   healthy,
		SickSamples:      sick,
		TotalSamples:     healthy + sick,
		Active:           c.cfg.Enabled && c.sufficient(healthy, sick),
		MinRequired:      c.cfg.MinSamplesPerClass,
		SimilarityWeight: c.cfg.SimilarityWeight,
		K:                c.cfg.K,
		StatusMessage:    c.statusMessage(healthy, sick),
	}
}

func (c *Comparer) sufficient(healthy, sick int) bool {
	return healthy >= c.cfg.MinSamplesPerClass && sick >= c.cfg.MinSamplesPerClass
}

func (c *Comparer) statusMessage(healthy, sick int) string {
	if !c.cfg.Enabled {
		return "Reference comparison disabled"
	}
	if c.sufficient(healthy, sick) {
		return fmt.Sprintf("Active: Using %d verified samples", healthy+sick)
	}

	var parts []string
	if n := c.cfg.MinSamplesPerClass - healthy; n > 0 {
		parts = append(parts, fmt.Sprintf("%d more healthy", n))
	}
	if n := c.cfg.MinSamplesPerClass - sick; n > 0 {
		parts = append(parts, fmt.Sprintf("%d more sick", n))
	}
	return fmt.Sprintf("Need %s samples to activate", strings.Join(parts, " and "))
}

func counts(samples []Sample) (healthy, sick int) {
	for _, s := range samples {
		if s.Label == LabelHealthy {
			healthy++
		} else {
			sick++
		}
	}
	return healthy, sick
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// number accepts the numeric shapes a decoded features map may hold.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

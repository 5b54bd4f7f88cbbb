// Package adaptive chooses between a cheap static fetch and a browser render
// per URL, learning from outcomes.
package adaptive

import (
	"net/url"
	"sync"
)

// Path is the fetch strategy.
type Path string

// Fetch paths.
const (
	PathStatic  Path = "static"
	PathDynamic Path = "dynamic"
)

// ParsePath accepts "static" or "dynamic".
func ParsePath(s string) (Path, bool) {
	switch Path(s) {
	case PathStatic, PathDynamic:
		return Path(s), true
	default:
		return "", false
	}
}

// Prediction is a path choice with a confidence in [0.5, 1].
type Prediction struct {
	Path       Path    `json:"path"`
	Confidence float64 `json:"confidence"`
	// Verify asks the caller to check a static result with the detector.
	Verify bool `json:"verify,omitempty"`
}

// Predictor learns which path a URL needs.
type Predictor interface {
	Predict(rawURL, label string) Prediction
	RecordOutcome(rawURL, label string, chosen, needed Path)
}

type counts struct {
	static, dynamic int
}

// FrequencyPredictor counts needed paths per host and label.
type FrequencyPredictor struct {
	mu     sync.Mutex
	counts map[string]*counts
}

// NewFrequencyPredictor returns an empty predictor.
func NewFrequencyPredictor() *FrequencyPredictor {
	return &FrequencyPredictor{counts: make(map[string]*counts)}
}

// Predict returns dynamic when the Laplace-smoothed share of dynamic outcomes
// is above one half.
func (p *FrequencyPredictor) Predict(rawURL, label string) Prediction {
	p.mu.Lock()
	c := p.counts[bucket(rawURL, label)]
	var s, d int
	if c != nil {
		s, d = c.static, c.dynamic
	}
	p.mu.Unlock()

	pd := float64(d+1) / float64(s+d+2)
	if pd > 0.5 {
		return Prediction{Path: PathDynamic, Confidence: pd}
	}
	return Prediction{Path: PathStatic, Confidence: 1 - pd}
}

// RecordOutcome counts the path the URL turned out to need.
func (p *FrequencyPredictor) RecordOutcome(rawURL, label string, _, needed Path) {
	key := bucket(rawURL, label)
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.counts[key]
	if c == nil {
		c = &counts{}
		p.counts[key] = c
	}
	if needed == PathDynamic {
		c.dynamic++
	} else {
		c.static++
	}
}

func bucket(rawURL, label string) string {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	return host + "|" + label
}

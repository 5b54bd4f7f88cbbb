package adaptive

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Config tunes the selector.
type Config struct {
	DetectionRatio float64 `mapstructure:"detection_ratio"`
	MinConfidence  float64 `mapstructure:"min_confidence"`
	DefaultPath    string  `mapstructure:"default_path"`
}

// DefaultConfig returns the standard selector settings.
func DefaultConfig() Config {
	return Config{DetectionRatio: 0.1, MinConfidence: 0.6, DefaultPath: string(PathStatic)}
}

// Validate checks ratios and the default path.
func (c Config) Validate() error {
	if c.DetectionRatio < 0 || c.DetectionRatio > 1 {
		return fmt.Errorf("%w: adaptive detection_ratio must be within [0,1]", crawler.ErrValidation)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("%w: adaptive min_confidence must be within [0,1]", crawler.ErrValidation)
	}
	if _, ok := ParsePath(c.DefaultPath); !ok {
		return fmt.Errorf("%w: adaptive default_path %q", crawler.ErrValidation, c.DefaultPath)
	}
	return nil
}

// Selector wraps a Predictor with a confidence floor and shadow detection.
type Selector struct {
	cfg       Config
	fallback  Path
	predictor Predictor
	detector  Detector

	mu   sync.Mutex
	rand func() float64
}

// SelectorOption customizes a Selector.
type SelectorOption func(*Selector)

// WithRandom overrides the source used to sample shadow checks.
func WithRandom(fn func() float64) SelectorOption {
	return func(s *Selector) { s.rand = fn }
}

// NewSelector validates cfg. Nil predictor and detector get the defaults.
func NewSelector(cfg Config, predictor Predictor, detector Detector, opts ...SelectorOption) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if predictor == nil {
		predictor = NewFrequencyPredictor()
	}
	if detector == nil {
		detector = NewHeuristic(0)
	}
	fallback, _ := ParsePath(cfg.DefaultPath)
	s := &Selector{
		cfg:       cfg,
		fallback:  fallback,
		predictor: predictor,
		detector:  detector,
		rand:      rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Choose picks a path. Low-confidence predictions fall back to the default
// path and are always verified; confident static choices are verified at
// DetectionRatio.
func (s *Selector) Choose(rawURL, label string) Prediction {
	pred := s.predictor.Predict(rawURL, label)
	if pred.Confidence < s.cfg.MinConfidence {
		return Prediction{Path: s.fallback, Confidence: pred.Confidence, Verify: s.fallback == PathStatic}
	}
	if pred.Path == PathStatic {
		s.mu.Lock()
		pred.Verify = s.rand() < s.cfg.DetectionRatio
		s.mu.Unlock()
	}
	return pred
}

// NeedsDynamic runs the detector on a static response.
func (s *Selector) NeedsDynamic(resp crawler.FetchResponse) bool {
	return s.detector.NeedsDynamic(resp)
}

// Record feeds an observed outcome back to the predictor.
func (s *Selector) Record(rawURL, label string, chosen, needed Path) {
	s.predictor.RecordOutcome(rawURL, label, chosen, needed)
}

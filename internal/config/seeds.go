package config

import (
	"fmt"
	"maps"
	"net/http"
	"os"
	"strings"

	"dario.cat/mergo"
	"github.com/titanous/json5"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// LoadSeeds reads a JSON5 array of seeds from path and fills unset fields
// from defaults. Header and user data maps are merged key by key; values in
// the file win.
func LoadSeeds(path string, defaults Seed) ([]Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seeds: %w", err)
	}
	var seeds []Seed
	if err := json5.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("%w: parse seeds %s: %v", crawler.ErrValidation, path, err)
	}
	return ApplySeedDefaults(seeds, defaults)
}

// ApplySeedDefaults merges defaults into every seed and checks URLs.
func ApplySeedDefaults(seeds []Seed, defaults Seed) ([]Seed, error) {
	out := make([]Seed, 0, len(seeds))
	for i, s := range seeds {
		if strings.TrimSpace(s.URL) == "" {
			return nil, fmt.Errorf("%w: seed %d has no url", crawler.ErrValidation, i)
		}
		merged := s
		// mergo writes into the maps of dst, so copy them first.
		merged.Headers = maps.Clone(s.Headers)
		merged.UserData = maps.Clone(s.UserData)
		base := defaults
		base.URL = ""
		base.UniqueKey = ""
		if err := mergo.Merge(&merged, base); err != nil {
			return nil, fmt.Errorf("merge seed %d: %w", i, err)
		}
		out = append(out, merged)
	}
	return out, nil
}

// Requests converts seeds to queue requests.
func Requests(seeds []Seed) ([]*crawler.Request, error) {
	reqs := make([]*crawler.Request, 0, len(seeds))
	for i, s := range seeds {
		opts := []crawler.RequestOption{crawler.WithLabel(s.Label)}
		if s.Method != "" {
			opts = append(opts, crawler.WithMethod(s.Method))
		}
		if s.Payload != "" {
			opts = append(opts, crawler.WithPayload([]byte(s.Payload)))
		}
		if len(s.Headers) > 0 {
			h := make(http.Header, len(s.Headers))
			for k, v := range s.Headers {
				h.Set(k, v)
			}
			opts = append(opts, crawler.WithHeaders(h))
		}
		if len(s.UserData) > 0 {
			opts = append(opts, crawler.WithUserData(s.UserData))
		}
		if s.UniqueKey != "" {
			opts = append(opts, crawler.WithUniqueKey(s.UniqueKey))
		}
		if s.NoRetry {
			opts = append(opts, crawler.WithNoRetry())
		}
		req, err := crawler.NewRequest(s.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("seed %d: %w", i, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

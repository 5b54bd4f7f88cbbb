package session

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// BlockConfig lists the signals that mark a response as a block page.
type BlockConfig struct {
	StatusCodes []int    `mapstructure:"blocked_status_codes"`
	Markers     []string `mapstructure:"block_markers"`
	Selectors   []string `mapstructure:"block_selectors"`
}

// DefaultBlockConfig blocks on 401, 403 and 429.
func DefaultBlockConfig() BlockConfig {
	return BlockConfig{StatusCodes: []int{401, 403, 429}}
}

// BlockDetector inspects fetched responses for signs the session was blocked.
type BlockDetector struct {
	statusCodes []int
	markers     [][]byte
	selectors   []string
}

// NewBlockDetector builds a detector from cfg.
func NewBlockDetector(cfg BlockConfig) *BlockDetector {
	d := &BlockDetector{
		statusCodes: slices.Clone(cfg.StatusCodes),
		selectors:   slices.Clone(cfg.Selectors),
	}
	for _, m := range cfg.Markers {
		if m != "" {
			d.markers = append(d.markers, []byte(m))
		}
	}
	return d
}

// Check returns a *crawler.BlockedError when resp looks like a block page.
func (d *BlockDetector) Check(resp crawler.FetchResponse) error {
	if slices.Contains(d.statusCodes, resp.StatusCode) {
		return &crawler.BlockedError{StatusCode: resp.StatusCode, Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	for _, m := range d.markers {
		if bytes.Contains(resp.Body, m) {
			return &crawler.BlockedError{StatusCode: resp.StatusCode, Reason: fmt.Sprintf("marker %q", m)}
		}
	}
	if len(d.selectors) == 0 || len(resp.Body) == 0 {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil
	}
	for _, sel := range d.selectors {
		if doc.Find(sel).Length() > 0 {
			return &crawler.BlockedError{StatusCode: resp.StatusCode, Reason: fmt.Sprintf("selector %q", sel)}
		}
	}
	return nil
}

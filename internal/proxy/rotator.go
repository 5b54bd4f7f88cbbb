// Package proxy rotates outbound proxy URLs and pins them to sessions.
package proxy

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Rotator hands out proxy URLs round-robin. A session keeps the proxy it was
// first given until it is released.
type Rotator struct {
	mu   sync.Mutex
	urls []string
	next int
	pins map[string]string
}

// New validates urls. An empty list yields a rotator that always returns "".
func New(urls []string) (*Rotator, error) {
	cleaned := make([]string, 0, len(urls))
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: proxy url %q: %v", crawler.ErrValidation, raw, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%w: proxy url %q needs a scheme and host", crawler.ErrValidation, raw)
		}
		cleaned = append(cleaned, u.String())
	}
	return &Rotator{urls: cleaned, pins: make(map[string]string)}, nil
}

// Len returns the number of configured proxies.
func (r *Rotator) Len() int { return len(r.urls) }

// NextURL returns the next proxy in rotation.
func (r *Rotator) NextURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextLocked()
}

func (r *Rotator) nextLocked() string {
	if len(r.urls) == 0 {
		return ""
	}
	u := r.urls[r.next]
	r.next = (r.next + 1) % len(r.urls)
	return u
}

// URLFor returns the proxy pinned to sessionID, pinning the next one on first use.
func (r *Rotator) URLFor(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.pins[sessionID]; ok {
		return u
	}
	u := r.nextLocked()
	if u != "" {
		r.pins[sessionID] = u
	}
	return u
}

// Pin binds sessionID to a specific proxy, used when restoring saved sessions.
func (r *Rotator) Pin(sessionID, proxyURL string) {
	if proxyURL == "" {
		return
	}
	r.mu.Lock()
	r.pins[sessionID] = proxyURL
	r.mu.Unlock()
}

// Release drops the pin for sessionID.
func (r *Rotator) Release(sessionID string) {
	r.mu.Lock()
	delete(r.pins, sessionID)
	r.mu.Unlock()
}

// Pinned reports how many sessions currently hold a proxy.
func (r *Rotator) Pinned() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pins)
}

package main

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/orchestrator"
)

// User data keys the page handler understands.
const (
	keyDepth    = "depth"
	keyMaxDepth = "max_depth"
)

type pageRecord struct {
	URL       string    `json:"url"`
	Label     string    `json:"label,omitempty"`
	Status    int       `json:"status"`
	Title     string    `json:"title,omitempty"`
	Path      string    `json:"path"`
	BodyURI   string    `json:"body_uri,omitempty"`
	Depth     int       `json:"depth"`
	Links     int       `json:"links"`
	FetchedAt time.Time `json:"fetched_at"`
}

type page struct {
	title string
	links []string
}

func newRouter() *orchestrator.Router {
	r := orchestrator.NewRouter()
	r.SetDefault(handlePage)
	return r
}

// handlePage stores one record per page and follows same-host links while
// the request's depth is below its max_depth.
func handlePage(ctx context.Context, hc *orchestrator.Context) error {
	base := hc.Response.URL
	if base == "" {
		base = hc.Request.URL
	}
	p, err := parsePage(hc.Response.Body, base)
	if err != nil {
		return crawler.NonRetryable(err)
	}
	depth := intFrom(hc.Request.UserData, keyDepth)
	rec := pageRecord{
		URL:       hc.Request.URL,
		Label:     hc.Request.Label,
		Status:    hc.Response.StatusCode,
		Title:     p.title,
		Path:      string(hc.Path),
		BodyURI:   hc.BodyURI,
		Depth:     depth,
		Links:     len(p.links),
		FetchedAt: time.Now().UTC(),
	}
	if err := hc.PushData(ctx, rec); err != nil {
		return err
	}

	if depth >= intFrom(hc.Request.UserData, keyMaxDepth) {
		return nil
	}
	follow := make([]*crawler.Request, 0, len(p.links))
	for _, link := range sameHost(base, p.links) {
		ud := maps.Clone(hc.Request.UserData)
		if ud == nil {
			ud = make(map[string]any, 1)
		}
		ud[keyDepth] = depth + 1
		req, err := crawler.NewRequest(link, crawler.WithLabel(hc.Request.Label), crawler.WithUserData(ud))
		if err != nil {
			hc.Logger().Debug("skipping link", zap.String("link", link), zap.Error(err))
			continue
		}
		follow = append(follow, req)
	}
	return hc.AddRequests(ctx, follow...)
}

func parsePage(body []byte, base string) (page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return page{}, fmt.Errorf("parse html: %w", err)
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return page{}, fmt.Errorf("parse base url: %w", err)
	}
	p := page{title: strings.TrimSpace(doc.Find("title").First().Text())}
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := baseURL.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		link := abs.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		p.links = append(p.links, link)
	})
	return p, nil
}

func sameHost(base string, links []string) []string {
	b, err := url.Parse(base)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(links))
	for _, l := range links {
		if u, err := url.Parse(l); err == nil && strings.EqualFold(u.Host, b.Host) {
			out = append(out, l)
		}
	}
	return out
}

// intFrom reads a count from user data that may have round-tripped through JSON.
func intFrom(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

package crawler

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/PuerkitoBio/purell"

	"github.com/JakeFAU/crawl-orchestrator/internal/hash/sha256"
)

const normalizeFlags = purell.FlagsSafe |
	purell.FlagRemoveDotSegments |
	purell.FlagRemoveDuplicateSlashes |
	purell.FlagRemoveFragment |
	purell.FlagSortQuery

const requestIDLength = 15

var keyHasher = sha256.New()

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, resolves dot
// segments, sorts query parameters, and removes fragments.
func NormalizeURL(rawURL string) (string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", fmt.Errorf("%w: url is required", ErrValidation)
	}
	normalized, err := purell.NormalizeURLString(strings.TrimSpace(rawURL), normalizeFlags)
	if err != nil {
		return "", fmt.Errorf("%w: parse url: %v", ErrValidation, err)
	}
	return normalized, nil
}

// ComputeUniqueKey fingerprints method, URL, payload and the whitelisted headers.
// Plain GET requests use the normalized URL as their key.
func ComputeUniqueKey(method, rawURL string, payload []byte, headers http.Header, keyHeaders []string) (string, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	selected := selectHeaders(headers, keyHeaders)
	if method == http.MethodGet && len(payload) == 0 && len(selected) == 0 {
		return normalized, nil
	}
	digest, err := keyHasher.HashParts(payload, []byte(strings.Join(selected, "\n")))
	if err != nil {
		return "", fmt.Errorf("hash unique key: %w", err)
	}
	return fmt.Sprintf("%s(%s):%s", method, digest[:16], normalized), nil
}

// RequestIDFromUniqueKey derives the stable request ID used by every backend.
func RequestIDFromUniqueKey(uniqueKey string) string {
	digest, err := keyHasher.Hash([]byte(uniqueKey))
	if err != nil || len(digest) < requestIDLength {
		return uniqueKey
	}
	return digest[:requestIDLength]
}

func selectHeaders(headers http.Header, keyHeaders []string) []string {
	if len(headers) == 0 || len(keyHeaders) == 0 {
		return nil
	}
	var out []string
	for _, name := range keyHeaders {
		canonical := http.CanonicalHeaderKey(name)
		values := headers.Values(canonical)
		if len(values) == 0 {
			continue
		}
		sorted := slices.Clone(values)
		slices.Sort(sorted)
		out = append(out, strings.ToLower(canonical)+":"+strings.Join(sorted, ","))
	}
	slices.Sort(out)
	return out
}

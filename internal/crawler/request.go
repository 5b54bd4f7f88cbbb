package crawler

import (
	"fmt"
	"maps"
	"net/http"
	"strings"
)

// RequestOption customizes a Request built by NewRequest.
type RequestOption func(*requestOptions)

type requestOptions struct {
	method     string
	payload    []byte
	headers    http.Header
	label      string
	userData   map[string]any
	uniqueKey  string
	keyHeaders []string
	noRetry    bool
}

// WithMethod sets the HTTP method (default GET).
func WithMethod(method string) RequestOption {
	return func(o *requestOptions) { o.method = method }
}

// WithPayload sets the request body.
func WithPayload(payload []byte) RequestOption {
	return func(o *requestOptions) { o.payload = append([]byte(nil), payload...) }
}

// WithHeaders sets request headers.
func WithHeaders(headers http.Header) RequestOption {
	return func(o *requestOptions) { o.headers = headers.Clone() }
}

// WithLabel routes the request to the handler registered for label.
func WithLabel(label string) RequestOption {
	return func(o *requestOptions) { o.label = label }
}

// WithUserData attaches arbitrary caller data.
func WithUserData(data map[string]any) RequestOption {
	return func(o *requestOptions) { o.userData = maps.Clone(data) }
}

// WithUniqueKey overrides the computed fingerprint.
func WithUniqueKey(key string) RequestOption {
	return func(o *requestOptions) { o.uniqueKey = key }
}

// WithKeyHeaders whitelists headers that participate in the unique key.
func WithKeyHeaders(names ...string) RequestOption {
	return func(o *requestOptions) { o.keyHeaders = append(o.keyHeaders, names...) }
}

// WithNoRetry marks the request as failing permanently on the first error.
func WithNoRetry() RequestOption {
	return func(o *requestOptions) { o.noRetry = true }
}

// NewRequest builds a pending Request with its unique key computed once.
func NewRequest(rawURL string, opts ...RequestOption) (*Request, error) {
	o := requestOptions{method: http.MethodGet}
	for _, opt := range opts {
		opt(&o)
	}
	method := strings.ToUpper(strings.TrimSpace(o.method))
	if method == "" {
		method = http.MethodGet
	}
	url, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	key := o.uniqueKey
	if key == "" {
		key, err = ComputeUniqueKey(method, rawURL, o.payload, o.headers, o.keyHeaders)
		if err != nil {
			return nil, fmt.Errorf("compute unique key: %w", err)
		}
	}
	return &Request{
		ID:        RequestIDFromUniqueKey(key),
		UniqueKey: key,
		URL:       url,
		Method:    method,
		Payload:   o.payload,
		Headers:   o.headers,
		Label:     o.label,
		UserData:  o.userData,
		State:     RequestPending,
		NoRetry:   o.noRetry,
	}, nil
}

// MustRequest is NewRequest for static seeds in tests and examples.
func MustRequest(rawURL string, opts ...RequestOption) *Request {
	req, err := NewRequest(rawURL, opts...)
	if err != nil {
		panic(err)
	}
	return req
}

package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

func TestBlockDetector(t *testing.T) {
	t.Parallel()

	d := NewBlockDetector(BlockConfig{
		StatusCodes: []int{403, 429},
		Markers:     []string{"Attention Required"},
		Selectors:   []string{"form#challenge-form", "div.g-recaptcha"},
	})

	tests := []struct {
		name    string
		resp    crawler.FetchResponse
		blocked bool
		reason  string
	}{
		{name: "ok", resp: crawler.FetchResponse{StatusCode: 200, Body: []byte("<html><p>hi</p></html>")}},
		{name: "status", resp: crawler.FetchResponse{StatusCode: 429}, blocked: true, reason: "status 429"},
		{name: "marker", resp: crawler.FetchResponse{StatusCode: 200, Body: []byte("<title>Attention Required!</title>")}, blocked: true, reason: `marker "Attention Required"`},
		{name: "selector", resp: crawler.FetchResponse{StatusCode: 200, Body: []byte(`<div class="g-recaptcha"></div>`)}, blocked: true, reason: `selector "div.g-recaptcha"`},
		{name: "not found is not a block", resp: crawler.FetchResponse{StatusCode: 404, Body: []byte("missing")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := d.Check(tt.resp)
			if !tt.blocked {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, crawler.ErrBlocked)
			var blocked *crawler.BlockedError
			require.True(t, errors.As(err, &blocked))
			require.Equal(t, tt.reason, blocked.Reason)
		})
	}
}

func TestDefaultBlockConfig(t *testing.T) {
	t.Parallel()

	d := NewBlockDetector(DefaultBlockConfig())
	for _, code := range []int{401, 403, 429} {
		require.ErrorIs(t, d.Check(crawler.FetchResponse{StatusCode: code}), crawler.ErrBlocked)
	}
	require.NoError(t, d.Check(crawler.FetchResponse{StatusCode: 500}))
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListFailedPages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	for i := range 3 {
		id := fmt.Sprintf("req-%d", i)
		f.deps.Stats.StartJob(id)
		f.deps.Stats.FailJob(id, errors.New("nope"))
	}

	rec := f.do(t, http.MethodGet, "/v1/failed?limit=2&offset=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[struct {
		Failed []struct {
			ID    string `json:"id"`
			Error string `json:"error"`
		} `json:"failed"`
		Total int `json:"total"`
	}](t, rec)
	require.Equal(t, 3, out.Total)
	require.Len(t, out.Failed, 2)
	require.Equal(t, "req-1", out.Failed[0].ID)
	require.Equal(t, "nope", out.Failed[0].Error)

	rec = f.do(t, http.MethodGet, "/v1/failed?offset=10", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"failed":[],"total":3}`, rec.Body.String())
}

func TestListItemsPages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	require.NoError(t, f.deps.Dataset.Push(context.Background(),
		map[string]int{"n": 1}, map[string]int{"n": 2}, map[string]int{"n": 3}))

	rec := f.do(t, http.MethodGet, "/v1/items?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[struct {
		Items []json.RawMessage `json:"items"`
		Total int               `json:"total"`
	}](t, rec)
	require.Equal(t, 3, out.Total)
	require.Len(t, out.Items, 2)
	require.JSONEq(t, `{"n":1}`, string(out.Items[0]))
}

func TestListRejectsBadPaging(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	for _, target := range []string{
		"/v1/failed?limit=0",
		"/v1/failed?limit=abc",
		"/v1/items?offset=-1",
	} {
		require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, target, nil, nil).Code, target)
	}
}

func TestParseLimitOffsetClampsLimit(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest(http.MethodGet, "/v1/items?limit=5000&offset=7", nil)
	require.NoError(t, err)
	limit, offset, err := parseLimitOffset(req, defaultItemsLimit, maxItemsLimit)
	require.NoError(t, err)
	require.Equal(t, maxItemsLimit, limit)
	require.Equal(t, 7, offset)
}

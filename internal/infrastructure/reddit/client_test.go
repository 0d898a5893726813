package reddit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"creditsystem/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(&config.RedditConfig{BaseURL: srv.URL + "/", UserAgent: "creditsystem-test/1.0", Timeout: 2 * time.Second})
}

func TestNormalizeSubreddit(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"golang", "golang", false},
		{"r/golang", "golang", false},
		{"/r/Go_Lang", "Go_Lang", false},
		{" golang ", "golang", false},
		{"a", "", true},
		{"bad name", "", true},
		{"../etc", "", true},
	}
	for _, tc := range tests {
		got, err := NormalizeSubreddit(tc.in)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrInvalidSubreddit, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestClient_Rules(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/r/golang/about/rules.json", r.URL.Path)
		assert.Equal(t, "creditsystem-test/1.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"rules":[{"kind":"all","short_name":"No self-promotion","description":"Do not spam links"}]}`))
	})

	rules, err := c.Rules(context.Background(), "r/golang")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "No self-promotion", rules[0].ShortName)
}

func TestClient_About(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/r/golang/about.json":
			_, _ = w.Write([]byte(`{"kind":"t5","data":{"display_name":"golang","subscribers":250000,"over18":false}}`))
		default:
			_, _ = w.Write([]byte(`{"kind":"Listing","data":{"children":[]}}`))
		}
	})

	about, err := c.About(context.Background(), "golang")
	require.NoError(t, err)
	assert.Equal(t, int64(250000), about.Subscribers)

	_, err = c.About(context.Background(), "nosuchsub")
	assert.ErrorIs(t, err, ErrSubredditNotFound)
}

func TestClient_PopularFlairs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"data":{"children":[
			{"data":{"link_flair_text":"Question"}},
			{"data":{"link_flair_text":"Discussion"}},
			{"data":{"link_flair_text":"Question"}},
			{"data":{"link_flair_text":null}},
			{"data":{"link_flair_text":""}}
		]}}`))
	})

	flairs, err := c.PopularFlairs(context.Background(), "golang", 10)
	require.NoError(t, err)
	assert.Equal(t, []FlairCount{{Text: "Question", Count: 2}, {Text: "Discussion", Count: 1}}, flairs)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"rules":[]}`))
	})

	rules, err := c.Rules(context.Background(), "golang")
	require.NoError(t, err)
	assert.Empty(t, rules)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_NotFoundDoesNotRetry(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := c.Rules(context.Background(), "private_sub")
	assert.ErrorIs(t, err, ErrSubredditNotFound)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_GivesUpAfterRetries(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	})

	_, err := c.Rules(context.Background(), "golang")
	var herr HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusTooManyRequests, herr.Status)
	assert.Equal(t, "slow down", herr.Body)
}

package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raphaelgruber/vecsync/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", "secret", time.Second)
	require.NoError(t, err)
	return c
}

func TestGetDocument(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/documents/doc-1", r.URL.Path)
		fmt.Fprint(w, `{
			"id": "doc-1",
			"title": "Roadmap",
			"properties": {"Status": {"name": "Status", "type": "select", "text": "Active"}},
			"last_edited_at": "2026-03-01T12:00:00Z"
		}`)
	})

	doc, err := c.GetDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Roadmap", doc.Title)
	assert.Equal(t, "Active", doc.Properties["Status"].Text)
	assert.Equal(t, 2026, doc.LastEditedAt.Year())
	assert.Contains(t, string(doc.Raw), `"Roadmap"`)
}

func TestGetDocumentErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		notFound  bool
		transient bool
	}{
		{"not found", http.StatusNotFound, true, false},
		{"unauthorized", http.StatusUnauthorized, false, false},
		{"throttled", http.StatusTooManyRequests, false, true},
		{"server error", http.StatusBadGateway, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			})

			_, err := c.GetDocument(context.Background(), "doc-1")
			require.Error(t, err)
			assert.Equal(t, tt.notFound, errors.Is(err, ErrNotFound))
			assert.Equal(t, tt.transient, resilience.IsRetryable(err))
			if !tt.transient {
				assert.ErrorIs(t, err, resilience.ErrPermanent)
			}
		})
	}
}

func TestGetDocumentBadJSON(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"id":`)
	})
	_, err := c.GetDocument(context.Background(), "doc-1")
	assert.ErrorContains(t, err, "decode document")
}

func TestListBlocksPaginates(t *testing.T) {
	pages := 0
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		pages++
		assert.Equal(t, "/documents/doc-1/blocks", r.URL.Path)
		switch r.URL.Query().Get("cursor") {
		case "":
			fmt.Fprint(w, `{"results":[{"id":"b1","type":"paragraph","text":"one"},{"id":"b2","type":"divider"}],"next_cursor":"c2"}`)
		case "c2":
			fmt.Fprint(w, `{"results":[{"id":"b3","type":"heading_1","text":"three","has_children":true}],"next_cursor":""}`)
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	})

	blocks, err := c.ListBlocks(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, 2, pages)
	assert.Equal(t, "b3", blocks[2].ID)
	assert.True(t, blocks[2].HasChildren)
	assert.JSONEq(t, `{"id":"b1","type":"paragraph","text":"one"}`, string(blocks[0].Raw))
}

func TestListBlocksPageFailure(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprint(w, `{"results":[],"next_cursor":"c2"}`)
			return
		}
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})

	_, err := c.ListBlocks(context.Background(), "doc-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrTransient)
	assert.ErrorContains(t, err, "status 503")
}

func TestNewValidation(t *testing.T) {
	_, err := New("", "", 0)
	assert.ErrorIs(t, err, resilience.ErrValidation)
}

package scoutly

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("test-api-key", WithBaseURL(srv.URL))
	return srv, c
}

func TestCreateSearch(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantID     string
		wantErr    bool
		wantAPIErr bool
		wantStatus int
	}{
		{
			name: "happy path",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/api/v1/keyword-searches", r.URL.Path)
				assert.Equal(t, "test-api-key", r.Header.Get("X-API-Key"))
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

				var req SearchConfig
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "saas founders", req.Name)
				assert.Equal(t, []string{"looking for a tool"}, req.Keywords)

				w.WriteHeader(http.StatusCreated)
				json.NewEncoder(w).Encode(Search{ID: "srch-123", Name: req.Name, Enabled: true})
			},
			wantID: "srch-123",
		},
		{
			name: "missing id in response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
				w.Write([]byte(`{}`))
			},
			wantErr: true,
		},
		{
			name: "auth error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"detail":"invalid api key"}`))
			},
			wantErr:    true,
			wantAPIErr: true,
			wantStatus: 401,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"detail":"internal server error"}`))
			},
			wantErr:    true,
			wantAPIErr: true,
			wantStatus: 500,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newTestServer(t, tt.handler)
			search, err := c.CreateSearch(context.Background(), SearchConfig{
				Name:     "saas founders",
				Keywords: []string{"looking for a tool"},
			})

			if tt.wantErr {
				require.Error(t, err)
				if tt.wantAPIErr {
					var apiErr *APIError
					require.ErrorAs(t, err, &apiErr)
					assert.Equal(t, tt.wantStatus, apiErr.StatusCode)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, search.ID)
		})
	}
}

func TestGetSearch(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/keyword-searches/srch-123", r.URL.Path)
			json.NewEncoder(w).Encode(Search{ID: "srch-123", Name: "saas founders", Enabled: true})
		})

		search, err := c.GetSearch(context.Background(), "srch-123")
		require.NoError(t, err)
		assert.Equal(t, "srch-123", search.ID)
		assert.True(t, search.Enabled)
	})

	t.Run("deleted remotely", func(t *testing.T) {
		_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail":"not found"}`))
		})

		_, err := c.GetSearch(context.Background(), "srch-gone")
		require.ErrorIs(t, err, ErrSearchNotFound)
	})
}

func TestGetStatus(t *testing.T) {
	minutes := 42.5
	tests := []struct {
		name        string
		body        ScrapeStatus
		wantStatus  string
		wantRunning bool
	}{
		{
			name:        "running",
			body:        ScrapeStatus{Status: "running"},
			wantStatus:  "running",
			wantRunning: true,
		},
		{
			name:        "processing counts as running",
			body:        ScrapeStatus{Status: "processing"},
			wantStatus:  "processing",
			wantRunning: true,
		},
		{
			name:       "idle with cooldown bookkeeping",
			body:       ScrapeStatus{Status: "idle", TimeSinceLastMinutes: &minutes},
			wantStatus: "idle",
		},
		{
			name:       "empty status defaults to idle",
			body:       ScrapeStatus{},
			wantStatus: "idle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v1/keyword-searches/srch-123/status", r.URL.Path)
				json.NewEncoder(w).Encode(tt.body)
			})

			status, err := c.GetStatus(context.Background(), "srch-123")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, status.Status)
			assert.Equal(t, tt.wantRunning, status.Running())
		})
	}
}

func TestTriggerScrape(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantErr  bool
		wantKind ConflictKind
	}{
		{
			name: "accepted",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/api/v1/keyword-searches/srch-123/scrape", r.URL.Path)
				w.WriteHeader(http.StatusAccepted)
			},
		},
		{
			name: "cooldown conflict",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusConflict)
				w.Write([]byte(`{"detail":"cooldown period has not elapsed","reason":"cooldown"}`))
			},
			wantErr:  true,
			wantKind: ConflictCooldown,
		},
		{
			name: "already running conflict",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusConflict)
				w.Write([]byte(`{"detail":"scrape already in progress","reason":"in_progress"}`))
			},
			wantErr:  true,
			wantKind: ConflictAlreadyRunning,
		},
		{
			name: "conflict without reason field sniffs detail",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusConflict)
				w.Write([]byte(`{"detail":"scraping is already in progress for this search"}`))
			},
			wantErr:  true,
			wantKind: ConflictAlreadyRunning,
		},
		{
			name: "bare conflict defaults to cooldown",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusConflict)
			},
			wantErr:  true,
			wantKind: ConflictCooldown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newTestServer(t, tt.handler)
			err := c.TriggerScrape(context.Background(), "srch-123")

			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			var conflict *ConflictError
			require.ErrorAs(t, err, &conflict)
			assert.Equal(t, tt.wantKind, conflict.Kind)
			assert.NotEmpty(t, conflict.Reason)
		})
	}
}

func TestListLeads(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/leads", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "srch-123", q.Get("keyword_search_id"))
		assert.Equal(t, "500", q.Get("limit"))
		assert.Equal(t, "1000", q.Get("offset"))

		json.NewEncoder(w).Encode(LeadPage{
			Items: []Lead{
				{"source_post_id": "t3_abc", "title": "need a crm", "author": "dev42"},
				{"source_post_id": "t3_def", "title": "tool recs?", "author": "founder9"},
			},
			Total:   1002,
			Limit:   500,
			Offset:  1000,
			HasMore: false,
		})
	})

	page, err := c.ListLeads(context.Background(), "srch-123", 500, 1000)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 1002, page.Total)
	assert.Equal(t, "t3_abc", page.Items[0]["source_post_id"])
	assert.False(t, page.HasMore)
}

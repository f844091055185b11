package relayinfo

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDropsPlaceholders(t *testing.T) {
	info, e := Decode([]byte(`{
		"name": "unset",
		"description": "~",
		"contact": "",
		"software": "strfry",
		"supported_nips": [1, "11", 42, "x", 50],
		"limitation": {"max_subscriptions": 2, "auth_required": true}
	}`))
	require.NoError(t, e)
	assert.Empty(t, info.Name)
	assert.Empty(t, info.Description)
	assert.Equal(t, "strfry", info.Software)
	assert.Equal(t, NIPList{1, 11, 42, 50}, info.SupportedNIPs)
	assert.Equal(t, 2, info.MaxSubscriptions())
	assert.True(t, info.AuthRequired())
	assert.True(t, info.HasNIP(SearchCapability))
	assert.False(t, info.HasNIP(CountingResults))
}

func TestDefaults(t *testing.T) {
	var info *T
	assert.Equal(t, DefaultMaxSubscriptions, info.MaxSubscriptions())
	assert.False(t, info.AuthRequired())
	assert.False(t, info.HasNIP(1))
	assert.Equal(t, DefaultMaxSubscriptions, (&T{}).MaxSubscriptions())
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != ContentType {
			http.Error(w, "not nip-11", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", ContentType)
		w.Write([]byte(`{"name":"test relay","limitation":{"max_subscriptions":7}}`))
	}))
	defer srv.Close()
	info, e := Fetch(context.Bg(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, e)
	assert.Equal(t, "test relay", info.Name)
	assert.Equal(t, 7, info.MaxSubscriptions())
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, e := Fetch(context.Bg(), srv.URL)
	assert.Error(t, e)
}

package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestGetApplication(t *testing.T) {
	assert := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/api/applications/test-app", r.URL.Path)
		assert.Equal("Bearer test-token", r.Header.Get("Grpc-Metadata-Authorization"))
		assert.NoError(json.NewEncoder(w).Encode(applicationResponse{
			Application: Application{ID: "test-app", Name: "sensors"},
		}))
	}))
	defer server.Close()

	c := NewClient(ClientConfig{
		Server:   strings.TrimPrefix(server.URL, "http://"),
		APIToken: "test-token",
	})

	app, err := c.GetApplication(context.Background(), "test-app")
	assert.NoError(err)
	assert.Equal("sensors", app.Name)
}

func TestGetDeviceNotFound(t *testing.T) {
	assert := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/api/devices/0102030405060708", r.URL.Path)
		http.Error(w, "device does not exist", http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(ClientConfig{Server: strings.TrimPrefix(server.URL, "http://")})

	_, err := c.GetDevice(context.Background(), lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8})
	assert.Equal(ErrNotFound, errors.Cause(err))
}

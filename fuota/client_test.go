package fuota

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/brocaar/lorawan"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/Zylum-Inc/dmpclient/profile"
)

func TestCreateDeployment(t *testing.T) {
	assert := require.New(t)

	id := uuid.Must(uuid.NewV4())
	var got CreateDeploymentRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("POST", r.Method)
		assert.Equal("/api/deployments", r.URL.Path)
		assert.Equal("Bearer test-token", r.Header.Get("Authorization"))
		assert.NoError(json.NewDecoder(r.Body).Decode(&got))
		assert.NoError(json.NewEncoder(w).Encode(createDeploymentResponse{ID: id}))
	}))
	defer server.Close()

	c := NewClient(ClientConfig{
		Server:   strings.TrimPrefix(server.URL, "http://"),
		APIToken: "test-token",
	})

	req := CreateDeploymentRequest{
		ApplicationID: "test-app",
		Devices: []DeploymentDevice{
			{
				DevEUI:    lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
				GenAppKey: lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
			},
		},
		MulticastGroupType:                profile.ClassC,
		MulticastDR:                       9,
		MulticastFrequency:                923300000,
		MulticastRegion:                   profile.US915,
		MulticastTimeout:                  8,
		UnicastTimeout:                    45,
		UnicastAttemptCount:               3,
		FragmentationFragmentSize:         64,
		FragmentationRedundancy:           32,
		RequestFragmentationSessionStatus: "AFTER_SESSION_TIMEOUT",
		Payload:                           []byte{0xca, 0xfe},
	}

	out, err := c.CreateDeployment(context.Background(), req)
	assert.NoError(err)
	assert.Equal(id, out)
	assert.Equal(req, got)
}

func TestGetDeploymentStatus(t *testing.T) {
	assert := require.New(t)

	id := uuid.Must(uuid.NewV4())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/api/deployments/"+id.String()+"/status", r.URL.Path)
		assert.NoError(json.NewEncoder(w).Encode(DeploymentStatus{
			EnqueueCompletedAt:    100,
			FragStatusCompletedAt: 400,
			DeviceStatus: []DeviceStatus{
				{DevEUI: lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}},
			},
		}))
	}))
	defer server.Close()

	c := NewClient(ClientConfig{Server: strings.TrimPrefix(server.URL, "http://")})

	status, err := c.GetDeploymentStatus(context.Background(), id)
	assert.NoError(err)
	assert.EqualValues(400, status.FragStatusCompletedAt)
	assert.Len(status.DeviceStatus, 1)
}

func TestGetDeploymentDeviceLogs(t *testing.T) {
	assert := require.New(t)

	id := uuid.Must(uuid.NewV4())
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/api/deployments/"+id.String()+"/devices/0102030405060708/logs", r.URL.Path)
		assert.NoError(json.NewEncoder(w).Encode(deviceLogsResponse{
			Logs: []LogEvent{
				{Command: "FragSessionSetupReq", Fields: map[string]string{"nb_frag": "32"}},
				{Command: "FragSessionStatusAns", Fields: map[string]string{"nb_frag_received": "32", "missing_frag": "0"}},
			},
		}))
	}))
	defer server.Close()

	c := NewClient(ClientConfig{Server: strings.TrimPrefix(server.URL, "http://")})

	logs, err := c.GetDeploymentDeviceLogs(context.Background(), id, devEUI)
	assert.NoError(err)
	assert.Len(logs, 2)
	assert.Equal("FragSessionSetupReq", logs[0].Command)
}

func TestUnavailable(t *testing.T) {
	assert := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token invalid", http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient(ClientConfig{Server: strings.TrimPrefix(server.URL, "http://")})

	_, err := c.GetDeploymentStatus(context.Background(), uuid.Must(uuid.NewV4()))
	assert.Equal(ErrUnavailable, errors.Cause(err))
}

// Package fuota provides a narrow client for the FUOTA orchestrator service:
// creating multicast deployments and reading their status and per-device
// fragmentation logs.
package fuota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/Zylum-Inc/dmpclient/profile"
)

// Errors.
var (
	ErrUnavailable = errors.New("fuota: orchestrator unavailable")
)

// DeploymentDevice defines a device taking part in a deployment.
type DeploymentDevice struct {
	DevEUI    lorawan.EUI64     `json:"devEui"`
	GenAppKey lorawan.AES128Key `json:"genAppKey"`
}

// CreateDeploymentRequest defines the parameters of a new deployment. One
// deployment carries exactly one MTU-sized chunk as Payload.
type CreateDeploymentRequest struct {
	ApplicationID                     string                 `json:"applicationId"`
	Devices                           []DeploymentDevice     `json:"devices"`
	MulticastGroupType                profile.MulticastClass `json:"multicastGroupType"`
	MulticastDR                       int                    `json:"multicastDr"`
	MulticastFrequency                int                    `json:"multicastFrequency"`
	MulticastGroupID                  int                    `json:"multicastGroupId"`
	MulticastRegion                   profile.Region         `json:"multicastRegion"`
	MulticastTimeout                  int                    `json:"multicastTimeout"`
	MulticastPingSlotPeriod           int                    `json:"multicastPingSlotPeriod"`
	UnicastTimeout                    int                    `json:"unicastTimeout"`
	UnicastAttemptCount               int                    `json:"unicastAttemptCount"`
	FragmentationFragmentSize         int                    `json:"fragmentationFragmentSize"`
	FragmentationRedundancy           int                    `json:"fragmentationRedundancy"`
	RequestFragmentationSessionStatus string                 `json:"requestFragmentationSessionStatus"`
	Payload                           []byte                 `json:"payload"`
}

// DeploymentStatus defines the status of a deployment. Timestamps are unix
// epoch seconds; zero means the step has not completed yet.
type DeploymentStatus struct {
	CreatedAt                   int64          `json:"createdAt"`
	McGroupSetupCompletedAt     int64          `json:"mcGroupSetupCompletedAt"`
	McSessionCompletedAt        int64          `json:"mcSessionCompletedAt"`
	FragSessionSetupCompletedAt int64          `json:"fragSessionSetupCompletedAt"`
	EnqueueCompletedAt          int64          `json:"enqueueCompletedAt"`
	FragStatusCompletedAt       int64          `json:"fragStatusCompletedAt"`
	DeviceStatus                []DeviceStatus `json:"deviceStatus"`
}

// DeviceStatus defines the per-device view of a deployment. Logs is filled
// in by the caller from GetDeploymentDeviceLogs; when that fetch fails the
// error is attached as LogsError instead.
type DeviceStatus struct {
	DevEUI    lorawan.EUI64 `json:"devEui"`
	Logs      []LogEvent    `json:"logs,omitempty"`
	LogsError string        `json:"logsError,omitempty"`
}

// LogEvent defines a single fragmentation-session log event reported by a
// device.
type LogEvent struct {
	CreatedAt int64             `json:"createdAt"`
	FPort     int               `json:"fPort"`
	Command   string            `json:"command"`
	Fields    map[string]string `json:"fields"`
}

// Client defines the orchestrator client interface.
type Client interface {
	// CreateDeployment creates a deployment and returns its ID.
	CreateDeployment(ctx context.Context, req CreateDeploymentRequest) (uuid.UUID, error)
	// GetDeploymentStatus returns the deployment status.
	GetDeploymentStatus(ctx context.Context, id uuid.UUID) (DeploymentStatus, error)
	// GetDeploymentDeviceLogs returns the fragmentation log events recorded
	// for the given device within the deployment.
	GetDeploymentDeviceLogs(ctx context.Context, id uuid.UUID, devEUI lorawan.EUI64) ([]LogEvent, error)
}

// ClientConfig holds the orchestrator client configuration.
type ClientConfig struct {
	// Server holds the orchestrator address, e.g. "localhost:8070".
	Server string

	// APIToken holds the bearer token.
	APIToken string

	// RequestTimeout defines the per-request timeout.
	RequestTimeout time.Duration
}

// NewClient creates a new orchestrator client.
func NewClient(config ClientConfig) Client {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 10 * time.Second
	}

	return &client{
		server:   config.Server,
		apiToken: config.APIToken,
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
		},
	}
}

type client struct {
	server     string
	apiToken   string
	httpClient *http.Client
}

type createDeploymentResponse struct {
	ID uuid.UUID `json:"id"`
}

func (c *client) CreateDeployment(ctx context.Context, req CreateDeploymentRequest) (uuid.UUID, error) {
	var resp createDeploymentResponse
	if err := c.post(ctx, "/api/deployments", req, &resp); err != nil {
		return uuid.Nil, err
	}
	return resp.ID, nil
}

func (c *client) GetDeploymentStatus(ctx context.Context, id uuid.UUID) (DeploymentStatus, error) {
	var status DeploymentStatus
	if err := c.get(ctx, fmt.Sprintf("/api/deployments/%s/status", id), &status); err != nil {
		return status, err
	}
	return status, nil
}

type deviceLogsResponse struct {
	Logs []LogEvent `json:"logs"`
}

func (c *client) GetDeploymentDeviceLogs(ctx context.Context, id uuid.UUID, devEUI lorawan.EUI64) ([]LogEvent, error) {
	var resp deviceLogsResponse
	if err := c.get(ctx, fmt.Sprintf("/api/deployments/%s/devices/%s/logs", id, devEUI), &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

func (c *client) post(ctx context.Context, path string, in, out interface{}) error {
	b, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "json marshal error")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "http://"+c.server+path, bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "new request error")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	return c.do(req, out)
}

func (c *client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", "http://"+c.server+path, nil)
	if err != nil {
		return errors.Wrap(err, "new request error")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	return c.do(req, out)
}

func (c *client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(ErrUnavailable, err.Error())
	}
	defer resp.Body.Close()

	bb, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read body error")
	}

	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(ErrUnavailable, "expected: 200, got: %d (%s)", resp.StatusCode, string(bb))
	}

	if err := json.Unmarshal(bb, out); err != nil {
		return errors.Wrap(err, "unmarshal response error")
	}

	return nil
}

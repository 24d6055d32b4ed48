// Package registry provides a narrow client for the device-registry and
// application service: it only answers whether an application and its
// devices exist.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
)

// Errors.
var (
	ErrNotFound    = errors.New("registry: object does not exist")
	ErrUnavailable = errors.New("registry: server unavailable")
)

// Application defines the application fields consumed by the transport.
type Application struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Device defines the device fields consumed by the transport.
type Device struct {
	DevEUI lorawan.EUI64 `json:"devEui"`
	Name   string        `json:"name"`
}

// Client defines the registry client interface.
type Client interface {
	// GetApplication returns the application for the given ID.
	GetApplication(ctx context.Context, id string) (Application, error)
	// GetDevice returns the device for the given EUI.
	GetDevice(ctx context.Context, devEUI lorawan.EUI64) (Device, error)
}

// ClientConfig holds the registry client configuration.
type ClientConfig struct {
	// Server holds the registry address, e.g. "localhost:8080".
	Server string

	// APIToken holds the bearer token.
	APIToken string

	// RequestTimeout defines the per-request timeout.
	RequestTimeout time.Duration
}

// NewClient creates a new registry client.
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

type applicationResponse struct {
	Application Application `json:"application"`
}

func (c *client) GetApplication(ctx context.Context, id string) (Application, error) {
	var resp applicationResponse
	if err := c.get(ctx, fmt.Sprintf("/api/applications/%s", id), &resp); err != nil {
		return Application{}, err
	}
	return resp.Application, nil
}

type deviceResponse struct {
	Device Device `json:"device"`
}

func (c *client) GetDevice(ctx context.Context, devEUI lorawan.EUI64) (Device, error) {
	var resp deviceResponse
	if err := c.get(ctx, fmt.Sprintf("/api/devices/%s", devEUI), &resp); err != nil {
		return Device{}, err
	}
	return resp.Device, nil
}

func (c *client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", "http://"+c.server+path, nil)
	if err != nil {
		return errors.Wrap(err, "new request error")
	}
	req.Header.Set("Grpc-Metadata-Authorization", "Bearer "+c.apiToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(ErrUnavailable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

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

// Package messagestore provides a client for the uplink message-store REST
// API: resolving device identifiers by radio EUI, fetching captured uplink
// frames and enqueueing downlink payloads.
package messagestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
)

// Errors.
var (
	ErrDeviceNotFound = errors.New("messagestore: device not found")
	ErrUnavailable    = errors.New("messagestore: server unavailable")
)

// Message defines one captured uplink frame.
type Message struct {
	// CapturedAt holds the capture timestamp as reported by the store. The
	// raw string is unique per device and serves as the deduplication key.
	CapturedAt string `json:"capturedAt"`

	// FCnt holds the LoRaWAN frame counter, the total ordering key within a
	// device's uplink stream.
	FCnt uint32 `json:"fCnt"`

	// FPort holds the LoRaWAN application port.
	FPort int `json:"fPort"`

	// Payload holds the base64-encoded frame payload.
	Payload string `json:"payload"`
}

// Time parses the capture timestamp.
func (m Message) Time() (time.Time, error) {
	return time.Parse(time.RFC3339, m.CapturedAt)
}

// Bytes decodes the frame payload.
func (m Message) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Payload)
}

// Client defines the message-store client interface.
type Client interface {
	// GetDeviceID resolves the store's device identifier for the given EUI
	// on the given network server.
	GetDeviceID(ctx context.Context, devEUI lorawan.EUI64, lnsID string) (string, error)
	// GetUplinkMessages returns the uplink frames captured for the device on
	// the given fPort after the given time. The fPort filter is applied
	// server-side.
	GetUplinkMessages(ctx context.Context, deviceID string, fPort int, after time.Time) ([]Message, error)
	// EnqueueDownlink queues the given payload as a downlink on the given
	// fPort.
	EnqueueDownlink(ctx context.Context, deviceID string, fPort int, payload []byte) error
}

// ClientConfig holds the message-store client configuration.
type ClientConfig struct {
	// Server holds the message-store address.
	Server string

	// APIToken holds the bearer token.
	APIToken string

	// RequestTimeout defines the per-request timeout.
	RequestTimeout time.Duration
}

// NewClient creates a new message-store client.
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

type deviceListResponse struct {
	Devices []struct {
		ID     string `json:"id"`
		DevEUI string `json:"devEui"`
	} `json:"devices"`
}

func (c *client) GetDeviceID(ctx context.Context, devEUI lorawan.EUI64, lnsID string) (string, error) {
	q := url.Values{}
	q.Set("devEui", devEUI.String())
	q.Set("lnsId", lnsID)

	var resp deviceListResponse
	if err := c.get(ctx, "/api/v1/devices?"+q.Encode(), &resp); err != nil {
		return "", err
	}

	if len(resp.Devices) == 0 {
		return "", ErrDeviceNotFound
	}

	return resp.Devices[0].ID, nil
}

type messageListResponse struct {
	Messages []Message `json:"messages"`
}

func (c *client) GetUplinkMessages(ctx context.Context, deviceID string, fPort int, after time.Time) ([]Message, error) {
	q := url.Values{}
	q.Set("type", "uplink")
	q.Set("fPort", strconv.Itoa(fPort))
	q.Set("capturedAfter", after.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z"))

	var resp messageListResponse
	if err := c.get(ctx, fmt.Sprintf("/api/v1/devices/%s/messages?%s", deviceID, q.Encode()), &resp); err != nil {
		return nil, err
	}

	return resp.Messages, nil
}

type downlinkRequest struct {
	FPort   int    `json:"fPort"`
	Payload string `json:"payload"`
}

func (c *client) EnqueueDownlink(ctx context.Context, deviceID string, fPort int, payload []byte) error {
	b, err := json.Marshal(downlinkRequest{
		FPort:   fPort,
		Payload: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return errors.Wrap(err, "json marshal error")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", fmt.Sprintf("http://%s/api/v1/devices/%s/downlinks", c.server, deviceID), bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "new request error")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(ErrUnavailable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bb, _ := ioutil.ReadAll(resp.Body)
		return errors.Wrapf(ErrUnavailable, "expected: 200, got: %d (%s)", resp.StatusCode, string(bb))
	}

	return nil
}

func (c *client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", "http://"+c.server+path, nil)
	if err != nil {
		return errors.Wrap(err, "new request error")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

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

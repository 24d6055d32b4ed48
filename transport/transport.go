// Package transport implements the DMP transport over LoRaWAN FUOTA
// multicast deployments (downlink) and message-store uplink reassembly
// (uplink).
package transport

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Zylum-Inc/dmpclient/dmp"
	"github.com/Zylum-Inc/dmpclient/fuota"
	"github.com/Zylum-Inc/dmpclient/messagestore"
	"github.com/Zylum-Inc/dmpclient/profile"
	"github.com/Zylum-Inc/dmpclient/registry"
)

// fPort conventions.
const (
	// dmpFPort carries DMP requests and responses.
	dmpFPort = 2
	// nudgeFPort carries nudge downlinks.
	nudgeFPort = 4
)

const (
	// pollInterval defines the uplink poll and deployment poll cadence.
	pollInterval = 5 * time.Second

	// nudgeQuietTicks defines after how many uplink-less ticks a nudge
	// downlink is enqueued.
	nudgeQuietTicks = 4

	// receiveTimeout defines the per-device receive window.
	receiveTimeout = 360 * time.Second

	// clockSkewAllowance is subtracted from the send time before it is used
	// as the uplink cursor, to tolerate clock skew between the host and the
	// message store.
	clockSkewAllowance = 60 * time.Second

	// defaultSendMaxDuration is the floor of the multicast send deadline,
	// measured from the start of the send. It scales up with the payload
	// size.
	defaultSendMaxDuration = 500 * time.Second
)

// Deployment parameters that are fixed for every deployment this transport
// creates. The frequency is the US915 multicast frequency; it is carried in
// all deployments regardless of the configured region.
const (
	multicastFrequency      = 923300000
	multicastGroupID        = 0
	unicastAttemptCount     = 3
	fragSessionStatusPolicy = "AFTER_SESSION_TIMEOUT"
)

// nudgePayload is enqueued on nudgeFPort to solicit a class-A downlink slot
// and thereby an uplink opportunity. The device never inspects its content.
var nudgePayload = []byte{0x00, 0x00, 0x00, 0x00, 0x00}

// Config holds the transport configuration.
type Config struct {
	// MulticastGroupType selects the class-B or class-C profile column.
	MulticastGroupType profile.MulticastClass

	// MulticastRegion is passed to the orchestrator.
	MulticastRegion profile.Region

	// DownlinkSpeed selects the profile row.
	DownlinkSpeed profile.DownlinkSpeed

	// ChirpstackServerAddr, APIToken and ApplicationID locate the device
	// registry and scope it to one application.
	ChirpstackServerAddr string
	APIToken             string
	ApplicationID        string

	// Devices lists the deployment devices. Connect narrows this to the
	// devices the registry recognizes.
	Devices []fuota.DeploymentDevice

	// FuotaServerAddr locates the FUOTA orchestrator.
	FuotaServerAddr string

	// SendMaxDuration bounds the duration of a multicast send, measured from
	// its start across all of its chunks. Zero means the 500 s default.
	// Payloads larger than one MTU scale the bound up proportionally.
	SendMaxDuration time.Duration

	// TASAPIAddr and TASAPILNSID locate the message store and select the
	// network server to resolve devices on.
	TASAPIAddr  string
	TASAPILNSID string
}

// expectedResponse identifies the response the reassembler accepts. Send
// sets the group and command, SendAndReceive sets the sequence, and the
// reassembler reads all three.
type expectedResponse struct {
	groupID   dmp.GroupID
	commandID dmp.CommandID
	sequence  uint8
}

// Transport bridges DMP requests onto multicast FUOTA deployments and
// unicast downlinks, and reassembles DMP responses from message-store
// uplinks. It supports one request/response exchange at a time; the caller
// must not interleave calls.
type Transport struct {
	config  Config
	profile profile.Profile

	fuota    fuota.Client
	registry registry.Client
	store    messagestore.Client

	matchedDevices []fuota.DeploymentDevice
	expected       expectedResponse
	lastSendTime   time.Time
	lastUploadOff  uint32
	lastIsUpload   bool
	stats          *downlinkStats

	// injected for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a new Transport for the given configuration.
func New(config Config) (*Transport, error) {
	if !config.MulticastRegion.Valid() {
		return nil, errors.Errorf("transport: unknown region %s", config.MulticastRegion)
	}

	p, err := profile.Get(config.MulticastGroupType, config.DownlinkSpeed)
	if err != nil {
		return nil, err
	}

	if config.SendMaxDuration == 0 {
		config.SendMaxDuration = defaultSendMaxDuration
	}

	t := Transport{
		config:  config,
		profile: p,
		fuota: fuota.NewClient(fuota.ClientConfig{
			Server:   config.FuotaServerAddr,
			APIToken: config.APIToken,
		}),
		registry: registry.NewClient(registry.ClientConfig{
			Server:   config.ChirpstackServerAddr,
			APIToken: config.APIToken,
		}),
		store: messagestore.NewClient(messagestore.ClientConfig{
			Server: config.TASAPIAddr,
		}),
		now:   time.Now,
		sleep: sleepContext,
	}
	t.stats = newDownlinkStats(t.now())

	return &t, nil
}

// Connect validates the application against the registry and narrows the
// configured devices to those the registry recognizes.
func (t *Transport) Connect(ctx context.Context) error {
	app, err := t.registry.GetApplication(ctx, t.config.ApplicationID)
	if err != nil {
		return errors.Wrapf(ErrConnectionRefused, "get application %s error: %s", t.config.ApplicationID, err)
	}

	var matched []fuota.DeploymentDevice
	for _, d := range t.config.Devices {
		if _, err := t.registry.GetDevice(ctx, d.DevEUI); err != nil {
			if errors.Cause(err) == registry.ErrNotFound {
				log.WithFields(log.Fields{
					"dev_eui": d.DevEUI,
				}).Warning("device not known to the registry, skipping")
				continue
			}
			return errors.Wrapf(ErrConnectionRefused, "get device %s error: %s", d.DevEUI, err)
		}
		matched = append(matched, d)
	}

	if len(matched) == 0 {
		return errors.Wrap(ErrConnectionRefused, "no matching devices")
	}

	t.matchedDevices = matched

	log.WithFields(log.Fields{
		"application":  app.Name,
		"device_count": len(matched),
	}).Info("transport connected")

	return nil
}

// Disconnect releases the matched device set. The transport holds no other
// state between connects.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.matchedDevices = nil
	log.Info("transport disconnected")
	return nil
}

// MTU returns the payload size carried by a single deployment.
func (t *Transport) MTU() int {
	return t.profile.MTU
}

// MaxUnencodedSize returns the maximum record size that fits a single
// request.
func (t *Transport) MaxUnencodedSize() int {
	return t.profile.MTU - dmp.HeaderSize
}

// Send transmits one DMP request. Image-upload writes go out as multicast
// deployments; everything else is queued as a unicast downlink to every
// matched device.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	var h dmp.Header
	if err := h.UnmarshalBinary(data); err != nil {
		return err
	}

	t.expected.groupID = h.GroupID
	t.expected.commandID = h.CommandID

	if h.GroupID == dmp.GroupImageManagement && h.CommandID == dmp.CmdImageUpload {
		req, err := dmp.UnmarshalImageUploadReq(data[dmp.HeaderSize:])
		if err != nil {
			return errors.Wrap(err, "unmarshal image-upload request error")
		}
		t.lastUploadOff = req.Off
		t.lastIsUpload = true

		return t.sendMulticast(ctx, data)
	}

	t.lastIsUpload = false

	for _, d := range t.matchedDevices {
		deviceID, err := t.store.GetDeviceID(ctx, d.DevEUI, t.config.TASAPILNSID)
		if err != nil {
			return err
		}
		if err := t.store.EnqueueDownlink(ctx, deviceID, dmpFPort, data); err != nil {
			return errors.Wrap(err, "enqueue downlink error")
		}

		log.WithFields(log.Fields{
			"dev_eui": d.DevEUI,
			"f_port":  dmpFPort,
			"bytes":   len(data),
		}).Info("unicast request queued")
	}

	return nil
}

// Receive waits for the first complete DMP response matching the last
// request, trying each matched device in turn.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	after := t.lastSendTime
	if after.IsZero() {
		after = t.now().Add(-clockSkewAllowance)
	}

	for _, d := range t.matchedDevices {
		b, err := t.receiveDevice(ctx, d.DevEUI, after, receiveTimeout)
		if err != nil {
			if errors.Cause(err) == ErrReceiveTimeout {
				log.WithFields(log.Fields{
					"dev_eui": d.DevEUI,
				}).Warning("receive timeout, trying next device")
				continue
			}
			return nil, err
		}
		return b, nil
	}

	return nil, ErrReceiveTimeout
}

// SendAndReceive performs one request/response exchange. When the request
// was an image-upload write and the response uplink is lost or mangled, a
// write response acknowledging the uploaded offset is synthesized: a
// completed multicast chunk counts as delivered even without uplink
// confirmation.
func (t *Transport) SendAndReceive(ctx context.Context, data []byte) ([]byte, error) {
	t.lastSendTime = t.now().Add(-clockSkewAllowance)

	if err := t.Send(ctx, data); err != nil {
		return nil, err
	}

	var h dmp.Header
	if err := h.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	t.expected.sequence = h.Sequence

	b, err := t.Receive(ctx)
	if err != nil {
		cause := errors.Cause(err)
		if t.lastIsUpload && (cause == ErrReceiveTimeout || cause == ErrMalformedResponse) {
			log.WithFields(log.Fields{
				"sequence": t.expected.sequence,
				"off":      t.lastUploadOff,
			}).Warning("no upload response received, synthesizing")
			return dmp.MarshalImageUploadRsp(t.expected.sequence, t.lastUploadOff)
		}
		return nil, err
	}

	return b, nil
}

// sleepContext sleeps for the given duration or until the context is
// cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

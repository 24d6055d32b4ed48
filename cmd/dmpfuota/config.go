package main

import (
	"os"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/Zylum-Inc/dmpclient/fuota"
	"github.com/Zylum-Inc/dmpclient/profile"
	"github.com/Zylum-Inc/dmpclient/transport"
)

// config maps the TOML configuration file.
type config struct {
	MulticastGroupType string `toml:"multicast_group_type"`
	MulticastRegion    string `toml:"multicast_region"`
	DownlinkSpeed      string `toml:"downlink_speed"`

	ChirpstackServerAddr string `toml:"chirpstack_server_addr"`
	APIToken             string `toml:"api_token"`
	AppID                string `toml:"app_id"`

	ChirpstackFuotaServerAddr string `toml:"chirpstack_fuota_server_addr"`

	SendMaxDurationS int `toml:"send_max_duration_s"`

	TASAPIAddr  string `toml:"tas_api_addr"`
	TASAPILNSID string `toml:"tas_api_lns_id"`

	Devices []deviceConfig `toml:"devices"`
}

type deviceConfig struct {
	DevEUI    string `toml:"dev_eui"`
	GenAppKey string `toml:"gen_app_key"`
}

func loadConfig(path string) (transport.Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return transport.Config{}, errors.Wrap(err, "read config error")
	}

	var c config
	if err := toml.Unmarshal(b, &c); err != nil {
		return transport.Config{}, errors.Wrap(err, "unmarshal config error")
	}

	devices := make([]fuota.DeploymentDevice, 0, len(c.Devices))
	for _, d := range c.Devices {
		var devEUI lorawan.EUI64
		if err := devEUI.UnmarshalText([]byte(d.DevEUI)); err != nil {
			return transport.Config{}, errors.Wrapf(err, "unmarshal dev_eui %s error", d.DevEUI)
		}

		var genAppKey lorawan.AES128Key
		if err := genAppKey.UnmarshalText([]byte(d.GenAppKey)); err != nil {
			return transport.Config{}, errors.Wrapf(err, "unmarshal gen_app_key for %s error", d.DevEUI)
		}

		devices = append(devices, fuota.DeploymentDevice{
			DevEUI:    devEUI,
			GenAppKey: genAppKey,
		})
	}

	return transport.Config{
		MulticastGroupType:   profile.MulticastClass(c.MulticastGroupType),
		MulticastRegion:      profile.Region(c.MulticastRegion),
		DownlinkSpeed:        profile.DownlinkSpeed(c.DownlinkSpeed),
		ChirpstackServerAddr: c.ChirpstackServerAddr,
		APIToken:             c.APIToken,
		ApplicationID:        c.AppID,
		Devices:              devices,
		FuotaServerAddr:      c.ChirpstackFuotaServerAddr,
		SendMaxDuration:      time.Duration(c.SendMaxDurationS) * time.Second,
		TASAPIAddr:           c.TASAPIAddr,
		TASAPILNSID:          c.TASAPILNSID,
	}, nil
}

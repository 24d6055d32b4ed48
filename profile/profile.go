// Package profile provides the static downlink link-parameter profiles for
// multicast class-B and class-C FUOTA sessions.
package profile

import (
	"fmt"
)

// MulticastClass defines the multicast group class.
type MulticastClass string

// Available multicast classes.
const (
	ClassB MulticastClass = "CLASS_B"
	ClassC MulticastClass = "CLASS_C"
)

// DownlinkSpeed defines the downlink speed selection.
type DownlinkSpeed string

// Available downlink speeds.
const (
	Fast   DownlinkSpeed = "FAST"
	Medium DownlinkSpeed = "MEDIUM"
	Slow   DownlinkSpeed = "SLOW"
)

// Region defines the region name.
type Region string

// Available regions.
const (
	EU868   Region = "EU868"
	US915   Region = "US915"
	AU915   Region = "AU915"
	CN470   Region = "CN470"
	IN865   Region = "IN865"
	KR920   Region = "KR920"
	RU864   Region = "RU864"
	AS923   Region = "AS923"
	AS923_2 Region = "AS923_2"
	AS923_3 Region = "AS923_3"
	AS923_4 Region = "AS923_4"
)

// Regions returns the set of known regions.
func Regions() []Region {
	return []Region{EU868, US915, AU915, CN470, IN865, KR920, RU864, AS923, AS923_2, AS923_3, AS923_4}
}

// Valid returns true when the region is a known region name.
func (r Region) Valid() bool {
	for _, region := range Regions() {
		if r == region {
			return true
		}
	}
	return false
}

// Profile defines the link parameters for one (class, speed) selection.
type Profile struct {
	// MTU defines the payload size carried by a single deployment, in bytes.
	MTU int

	// MulticastDR defines the multicast data-rate.
	MulticastDR int

	// MulticastTimeout defines the multicast timeout exponent as defined by
	// the Remote Multicast Setup specification: the session stays open for
	// 2^MulticastTimeout seconds (class-C) or 128 * 2^MulticastTimeout
	// seconds (class-B).
	MulticastTimeout int

	// UnicastTimeout defines the per-device unicast setup timeout in seconds.
	UnicastTimeout int

	// FragmentSize defines the fragmentation fragment size in bytes.
	FragmentSize int

	// Redundancy defines the number of redundant fragments sent after the
	// payload fragments.
	Redundancy int

	// PingSlotPeriod defines the class-B ping-slot periodicity (0 for
	// class-C).
	PingSlotPeriod int
}

// setupGuardSeconds covers multicast-group and fragmentation-session setup
// round-trips that happen before the session timer starts.
const setupGuardSeconds = 60

var profiles = map[MulticastClass]map[DownlinkSpeed]Profile{
	ClassC: map[DownlinkSpeed]Profile{
		Fast:   {MTU: 1024, MulticastDR: 13, MulticastTimeout: 6, UnicastTimeout: 15, FragmentSize: 232, Redundancy: 8, PingSlotPeriod: 0},
		Medium: {MTU: 1024, MulticastDR: 11, MulticastTimeout: 7, UnicastTimeout: 30, FragmentSize: 128, Redundancy: 16, PingSlotPeriod: 0},
		Slow:   {MTU: 1024, MulticastDR: 9, MulticastTimeout: 8, UnicastTimeout: 45, FragmentSize: 64, Redundancy: 32, PingSlotPeriod: 0},
	},
	ClassB: map[DownlinkSpeed]Profile{
		Fast:   {MTU: 1024, MulticastDR: 13, MulticastTimeout: 3, UnicastTimeout: 30, FragmentSize: 232, Redundancy: 8, PingSlotPeriod: 1},
		Medium: {MTU: 1024, MulticastDR: 11, MulticastTimeout: 4, UnicastTimeout: 60, FragmentSize: 128, Redundancy: 16, PingSlotPeriod: 2},
		Slow:   {MTU: 1024, MulticastDR: 9, MulticastTimeout: 5, UnicastTimeout: 90, FragmentSize: 64, Redundancy: 32, PingSlotPeriod: 4},
	},
}

// Get returns the profile for the given class and speed.
func Get(class MulticastClass, speed DownlinkSpeed) (Profile, error) {
	bySpeed, ok := profiles[class]
	if !ok {
		return Profile{}, fmt.Errorf("profile: unknown multicast class %s", class)
	}

	p, ok := bySpeed[speed]
	if !ok {
		return Profile{}, fmt.Errorf("profile: unknown downlink speed %s", speed)
	}

	return p, nil
}

// MulticastTimeoutSeconds returns the number of seconds to wait after a
// deployment has been created before its status is worth polling: the
// multicast session window, plus the unicast setup timeout, plus a guard
// band.
func MulticastTimeoutSeconds(class MulticastClass, speed DownlinkSpeed) (int, error) {
	p, err := Get(class, speed)
	if err != nil {
		return 0, err
	}

	window := 1 << uint(p.MulticastTimeout)
	if class == ClassB {
		window = 128 * window
	}

	return window + p.UnicastTimeout + setupGuardSeconds, nil
}

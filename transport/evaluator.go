package transport

import (
	"strconv"

	"github.com/brocaar/lorawan/applayer/fragmentation"
	log "github.com/sirupsen/logrus"

	"github.com/Zylum-Inc/dmpclient/fuota"
)

// logCommandCIDs maps the command names the orchestrator serializes into
// its device logs onto the fragmentation-transport command identifiers.
// The names disambiguate direction: Req and Ans of a command share a CID
// value, so the CID alone cannot.
var logCommandCIDs = map[string]fragmentation.CID{
	"FragSessionSetupReq":  fragmentation.FragSessionSetupReq,
	"FragSessionStatusAns": fragmentation.FragSessionStatusAns,
}

// deviceLogsFailureThreshold defines how many log-bearing device statuses
// may be evaluated within a single poll without a single complete device
// before the deployment is given up on.
const deviceLogsFailureThreshold = 3

// evaluateDeployment decides whether a deployment succeeded based on its
// status record and the per-device fragmentation logs. It returns true when
// at least one device completed the session, false when polling should
// continue, and ErrDeploymentFailed when enough devices reported logs
// without a single completion.
func evaluateDeployment(status fuota.DeploymentStatus) (bool, error) {
	if status.FragStatusCompletedAt == 0 {
		return false, nil
	}

	var evaluated int

	for _, ds := range status.DeviceStatus {
		if len(ds.Logs) == 0 {
			continue
		}
		evaluated++

		if deviceComplete(ds) {
			return true, nil
		}
	}

	if evaluated > deviceLogsFailureThreshold {
		return false, ErrDeploymentFailed
	}

	return false, nil
}

// deviceComplete walks a device's log events in order and decides whether
// the device received the whole fragmented payload.
func deviceComplete(ds fuota.DeviceStatus) bool {
	var setupSeen, statusSeen bool
	var nbFragSent, nbFragReceived, missingFrag int

	for _, event := range ds.Logs {
		switch logCommandCIDs[event.Command] {
		case fragmentation.FragSessionSetupReq:
			setupSeen = true
			nbFragSent = intField(event.Fields, "nb_frag")
		case fragmentation.FragSessionStatusAns:
			// last occurrence wins
			statusSeen = true
			nbFragReceived = intField(event.Fields, "nb_frag_received")
			missingFrag = intField(event.Fields, "missing_frag")
		}
	}

	if !setupSeen || !statusSeen {
		return false
	}

	if nbFragSent == nbFragReceived {
		return true
	}

	// Some device firmwares report one phantom missing fragment together
	// with a received count above the sent count. missing_frag == 0 with at
	// least all fragments received still counts as complete.
	if nbFragSent <= nbFragReceived && missingFrag == 0 {
		return true
	}

	log.WithFields(log.Fields{
		"dev_eui":          ds.DevEUI,
		"nb_frag_sent":     nbFragSent,
		"nb_frag_received": nbFragReceived,
		"missing_frag":     missingFrag,
	}).Debug("device did not complete fragmentation session")

	return false
}

func intField(fields map[string]string, key string) int {
	v, err := strconv.Atoi(fields[key])
	if err != nil {
		return 0
	}
	return v
}

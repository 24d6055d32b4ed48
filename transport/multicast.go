package transport

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Zylum-Inc/dmpclient/fuota"
	"github.com/Zylum-Inc/dmpclient/profile"
)

// sendMulticast ships the payload as a sequence of MTU-sized chunks, one
// orchestrator deployment per chunk. Each deployment is given the profile's
// multicast window before its status is polled.
func (t *Transport) sendMulticast(ctx context.Context, payload []byte) error {
	start := t.now()
	maxDuration := t.maxSendDuration(len(payload))

	quietSeconds, err := profile.MulticastTimeoutSeconds(t.config.MulticastGroupType, t.config.DownlinkSpeed)
	if err != nil {
		return err
	}

	if t.config.MulticastRegion != profile.US915 {
		log.WithFields(log.Fields{
			"region":    t.config.MulticastRegion,
			"frequency": multicastFrequency,
		}).Warning("multicast frequency is pinned to the US915 value")
	}

	log.WithFields(log.Fields{
		"bytes":        len(payload),
		"mtu":          t.profile.MTU,
		"max_duration": maxDuration,
	}).Info("sending multicast payload")

	for offset := 0; offset < len(payload); offset += t.profile.MTU {
		end := offset + t.profile.MTU
		if end > len(payload) {
			end = len(payload)
		}

		id, err := t.fuota.CreateDeployment(ctx, t.deploymentRequest(payload[offset:end]))
		if err != nil {
			return errors.Wrapf(err, "create deployment for offset %d error", offset)
		}

		log.WithFields(log.Fields{
			"deployment_id": id,
			"offset":        offset,
			"bytes":         end - offset,
		}).Info("deployment created")

		if err := t.sleep(ctx, time.Duration(quietSeconds)*time.Second); err != nil {
			return err
		}

		if err := t.waitDeployment(ctx, id, start, maxDuration); err != nil {
			return err
		}
	}

	elapsed := t.now().Sub(start)
	fields := log.Fields{
		"bytes":   len(payload),
		"elapsed": elapsed,
	}
	if elapsed > 0 {
		fields["bytes_per_second"] = float64(len(payload)) / elapsed.Seconds()
	}
	fields["multicast_utilization"] = t.stats.multicastUtilization(t.now())
	fields["setup_overhead"] = t.stats.setupOverhead(t.now())
	log.WithFields(fields).Info("multicast payload sent")

	return nil
}

// maxSendDuration returns the deadline budget for the given payload size:
// the configured floor, scaled up proportionally once the payload spans
// more than one chunk.
func (t *Transport) maxSendDuration(size int) time.Duration {
	d := t.config.SendMaxDuration
	scaled := time.Duration(float64(d) * float64(size) / float64(t.profile.MTU))
	if scaled > d {
		return scaled
	}
	return d
}

func (t *Transport) deploymentRequest(chunk []byte) fuota.CreateDeploymentRequest {
	return fuota.CreateDeploymentRequest{
		ApplicationID:                     t.config.ApplicationID,
		Devices:                           t.matchedDevices,
		MulticastGroupType:                t.config.MulticastGroupType,
		MulticastDR:                       t.profile.MulticastDR,
		MulticastFrequency:                multicastFrequency,
		MulticastGroupID:                  multicastGroupID,
		MulticastRegion:                   t.config.MulticastRegion,
		MulticastTimeout:                  t.profile.MulticastTimeout,
		MulticastPingSlotPeriod:           t.profile.PingSlotPeriod,
		UnicastTimeout:                    t.profile.UnicastTimeout,
		UnicastAttemptCount:               unicastAttemptCount,
		FragmentationFragmentSize:         t.profile.FragmentSize,
		FragmentationRedundancy:           t.profile.Redundancy,
		RequestFragmentationSessionStatus: fragSessionStatusPolicy,
		Payload:                           chunk,
	}
}

// waitDeployment polls the deployment status until the evaluator confirms
// completion. Status-fetch errors are not fatal: the matching write-response
// uplink can still confirm the chunk, so the send proceeds to the next
// chunk. Running out of the send budget is fatal.
func (t *Transport) waitDeployment(ctx context.Context, id uuid.UUID, start time.Time, maxDuration time.Duration) error {
	for {
		status, err := t.fuota.GetDeploymentStatus(ctx, id)
		if err != nil {
			log.WithFields(log.Fields{
				"deployment_id": id,
			}).WithError(err).Warning("get deployment status error")
			return nil
		}

		for i := range status.DeviceStatus {
			logs, err := t.fuota.GetDeploymentDeviceLogs(ctx, id, status.DeviceStatus[i].DevEUI)
			if err != nil {
				// attached for the evaluator, does not fail the poll
				status.DeviceStatus[i].LogsError = err.Error()
				log.WithFields(log.Fields{
					"deployment_id": id,
					"dev_eui":       status.DeviceStatus[i].DevEUI,
				}).WithError(err).Warning("get device logs error")
				continue
			}
			status.DeviceStatus[i].Logs = logs
		}

		done, err := evaluateDeployment(status)
		if err != nil {
			return errors.Wrapf(err, "deployment %s", id)
		}
		if done {
			t.stats.record(status)
			log.WithFields(log.Fields{
				"deployment_id": id,
			}).Info("deployment completed")
			return nil
		}

		if t.now().Sub(start) > maxDuration {
			return errors.Wrapf(ErrDeploymentTimeout, "deployment %s", id)
		}

		if err := t.sleep(ctx, pollInterval); err != nil {
			return err
		}
	}
}

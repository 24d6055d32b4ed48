package transport

import (
	"context"
	"sort"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Zylum-Inc/dmpclient/dmp"
	"github.com/Zylum-Inc/dmpclient/messagestore"
)

// receiveDevice polls the message store for the device's uplinks and
// reassembles them into the first complete DMP message matching the
// expected response identity.
//
// Frames are deduplicated by their capture timestamp and assembled in fCnt
// order. Frames that did not assemble are carried over to the next tick;
// after four uplink-less ticks a nudge downlink is enqueued to solicit an
// uplink opportunity.
func (t *Transport) receiveDevice(ctx context.Context, devEUI lorawan.EUI64, after time.Time, timeout time.Duration) ([]byte, error) {
	deviceID, err := t.store.GetDeviceID(ctx, devEUI, t.config.TASAPILNSID)
	if err != nil {
		return nil, err
	}

	deadline := t.now().Add(timeout)
	cursor := after
	processed := make(map[string]struct{})
	var pending []messagestore.Message
	var quietTicks int

	for {
		if t.now().After(deadline) {
			return nil, ErrReceiveTimeout
		}

		if quietTicks >= nudgeQuietTicks {
			if err := t.store.EnqueueDownlink(ctx, deviceID, nudgeFPort, nudgePayload); err != nil {
				log.WithFields(log.Fields{
					"dev_eui": devEUI,
				}).WithError(err).Warning("enqueue nudge downlink error")
			} else {
				log.WithFields(log.Fields{
					"dev_eui": devEUI,
					"f_port":  nudgeFPort,
				}).Debug("nudge downlink queued")
			}
			quietTicks = 0
		}

		msgs, err := t.store.GetUplinkMessages(ctx, deviceID, dmpFPort, cursor)
		if err != nil {
			log.WithFields(log.Fields{
				"dev_eui": devEUI,
			}).WithError(err).Warning("get uplink messages error")
			msgs = nil
		}

		sort.SliceStable(msgs, func(i, j int) bool {
			return msgs[i].FCnt < msgs[j].FCnt
		})

		var fresh []messagestore.Message
		for _, m := range msgs {
			if _, ok := processed[m.CapturedAt]; ok {
				continue
			}
			fresh = append(fresh, m)
		}

		for _, m := range msgs {
			if ts, err := m.Time(); err == nil && ts.After(cursor) {
				cursor = ts
			}
		}

		if len(fresh) == 0 {
			quietTicks++
		} else {
			quietTicks = 0
		}

		frames := make([]messagestore.Message, 0, len(pending)+len(fresh))
		frames = append(frames, pending...)
		frames = append(frames, fresh...)

		data, remaining, err := assembleFrames(frames, t.expected)
		if err != nil {
			return nil, err
		}
		if data != nil {
			log.WithFields(log.Fields{
				"dev_eui": devEUI,
				"bytes":   len(data),
			}).Info("response reassembled")
			return data, nil
		}

		// pending frames were marked in a previous tick and must not be
		// re-added
		for _, m := range fresh {
			processed[m.CapturedAt] = struct{}{}
		}
		pending = remaining

		if err := t.sleep(ctx, pollInterval); err != nil {
			return nil, err
		}
	}
}

// assembleFrames scans the ordered frame list for a complete message whose
// header matches the expected response identity.
//
// A frame that alone carries a complete message with a mismatched header is
// consumed and dropped. A frame that opens or continues a different
// exchange is set aside into the remaining list. When the list ends before
// the message completes, every unconsumed frame is returned as remaining so
// the caller can retry once more frames arrive.
func assembleFrames(frames []messagestore.Message, expected expectedResponse) ([]byte, []messagestore.Message, error) {
	var remaining []messagestore.Message
	var header *dmp.Header
	var buf []byte
	var parts []messagestore.Message
	var expectedLen int

	for i, f := range frames {
		b, err := f.Bytes()
		if err != nil {
			return nil, nil, errors.Wrap(ErrMalformedResponse, "base64 decode error")
		}

		if header == nil {
			var h dmp.Header
			if err := h.UnmarshalBinary(b); err != nil {
				return nil, nil, errors.Wrapf(ErrMalformedResponse, "%d header bytes are expected, got: %d", dmp.HeaderSize, len(b))
			}
			if !h.Valid() {
				return nil, nil, errors.Wrapf(ErrMalformedResponse, "op %d out of range", h.Op)
			}

			expectedLen = dmp.HeaderSize + int(h.Length)

			if len(b) > expectedLen {
				return nil, nil, errors.Wrapf(ErrMalformedResponse, "%d bytes exceed message length %d", len(b), expectedLen)
			}

			if len(b) == expectedLen {
				if h.GroupID == expected.groupID && h.CommandID == expected.commandID && h.Sequence == expected.sequence {
					return b, append(remaining, frames[i+1:]...), nil
				}
				// complete but not the expected response: drop it and keep
				// scanning
				continue
			}

			if h.GroupID != expected.groupID || h.CommandID != expected.commandID {
				remaining = append(remaining, f)
				continue
			}

			hh := h
			header = &hh
			buf = append([]byte(nil), b...)
			parts = []messagestore.Message{f}
			continue
		}

		if opensOtherExchange(b, expected) {
			remaining = append(remaining, f)
			continue
		}

		buf = append(buf, b...)
		parts = append(parts, f)

		if len(buf) > expectedLen {
			return nil, nil, errors.Wrapf(ErrMalformedResponse, "%d buffered bytes exceed message length %d", len(buf), expectedLen)
		}

		if len(buf) == expectedLen {
			if header.Sequence == expected.sequence {
				return buf, append(remaining, frames[i+1:]...), nil
			}
			// stale sequence: drop the assembly, keep the completing frame
			remaining = append(remaining, f)
			header = nil
			buf = nil
			parts = nil
			expectedLen = 0
		}
	}

	return nil, append(remaining, parts...), nil
}

// opensOtherExchange reports whether the frame is a self-contained message
// of an exchange other than the expected response, in which case it must
// not be consumed into the current buffer. Continuation fragments rarely
// decode to a header whose length matches the frame exactly, so requiring a
// complete message keeps them out of this branch.
func opensOtherExchange(b []byte, expected expectedResponse) bool {
	var h dmp.Header
	if err := h.UnmarshalBinary(b); err != nil {
		return false
	}
	if !h.Valid() {
		return false
	}
	if len(b) != dmp.HeaderSize+int(h.Length) {
		return false
	}
	return h.GroupID != expected.groupID || h.CommandID != expected.commandID
}

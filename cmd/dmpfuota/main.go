// dmpfuota streams a firmware image to LoRaWAN devices over multicast FUOTA
// deployments, using the DMP image-upload protocol.
package main

import (
	"context"
	"crypto/sha256"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Zylum-Inc/dmpclient/dmp"
	"github.com/Zylum-Inc/dmpclient/transport"
)

var version = "dev"

var (
	configFile string
	verbose    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Fatal("command failed")
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "dmpfuota",
		Short:        "DMP over LoRaWAN FUOTA client",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "dmpfuota.toml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newUploadCmd())

	return rootCmd
}

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload [image file]",
		Short: "Upload a firmware image to the configured devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}

			image, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrap(err, "read image error")
			}

			t, err := transport.New(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := t.Connect(ctx); err != nil {
				return err
			}
			defer t.Disconnect(ctx)

			return upload(ctx, t, image)
		},
	}
}

// upload streams the image as a sequence of image-upload write requests,
// resuming the offset from each response.
func upload(ctx context.Context, t *transport.Transport, image []byte) error {
	sha := sha256.Sum256(image)

	// leave headroom for the record fields around the chunk data
	chunkSize := t.MaxUnencodedSize() - 128
	if chunkSize <= 0 {
		return errors.New("mtu too small for upload records")
	}

	var off uint32
	var seq uint8

	for int(off) < len(image) {
		end := int(off) + chunkSize
		if end > len(image) {
			end = len(image)
		}

		req := dmp.ImageUploadReq{
			Off:  off,
			Data: image[off:end],
		}
		if off == 0 {
			req.Len = uint32(len(image))
			req.SHA = sha[:]
		}

		b, err := dmp.MarshalImageUploadReq(seq, req)
		if err != nil {
			return err
		}

		log.WithFields(log.Fields{
			"off":   off,
			"bytes": end - int(off),
			"total": len(image),
		}).Info("uploading image chunk")

		rsp, err := t.SendAndReceive(ctx, b)
		if err != nil {
			return err
		}

		h, ack, err := dmp.UnmarshalImageUploadRsp(rsp)
		if err != nil {
			return errors.Wrap(err, "unmarshal upload response error")
		}
		if h.Sequence != seq {
			return errors.Errorf("upload response sequence mismatch, expected: %d, got: %d", seq, h.Sequence)
		}
		if ack.RC != 0 {
			return errors.Errorf("device rejected upload chunk, rc: %d", ack.RC)
		}

		// a device reports the next expected offset; a synthesized response
		// echoes the request offset for a chunk that was already delivered
		if ack.Off > off {
			off = ack.Off
		} else {
			off = uint32(end)
		}
		seq++
	}

	log.WithFields(log.Fields{
		"bytes": len(image),
	}).Info("image upload completed")

	return nil
}

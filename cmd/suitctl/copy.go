package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/i5heu/suit-platform/pkg/component"
	"github.com/i5heu/suit-platform/pkg/decompress"
	"github.com/i5heu/suit-platform/pkg/decrypt"
	"github.com/i5heu/suit-platform/pkg/platform"
)

var copyCmd = &cobra.Command{
	Use:   "copy <image>",
	Short: "Stage a candidate image in RAM and copy it into a destination component.",
	Long: "`copy --dst mem:2:0x0e0aa000:0x8000 image.bin` runs the copy directive. " +
		"Destinations are MEM components or the secure-domain firmware slots (sdfw, " +
		"sdfw-recovery). Images outside the SDFW update area are mirrored through a " +
		"declared IPUC first.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		req, err := copyRequestFromFlags(cmd)
		if err != nil {
			return err
		}
		req.image, err = os.ReadFile(args[0])
		if err != nil {
			return err
		}

		s, err := openSession(c, log)
		if err != nil {
			return err
		}
		defer s.Close()

		return runCopy(s, cmd.OutOrStdout(), req)
	},
}

func init() {
	rootCmd.AddCommand(copyCmd)
	copyCmd.Flags().String("dst", "", "destination: mem:<cpu>:<address>:<size>, sdfw, sdfw-recovery or soc:<n>")
	copyCmd.Flags().Int("decompressed-size", 0, "image is an LZMA2 payload decompressing to this many bytes")
	copyCmd.Flags().String("enc-alg", "", "content encryption: a256gcm or chacha20poly1305")
	copyCmd.Flags().String("key", "", "hex encoded content encryption key")
	copyCmd.Flags().Uint32("key-id", 0x4000_0000, "key identifier")
	copyCmd.Flags().String("iv", "", "hex encoded IV")
	copyCmd.Flags().String("aad", "", "additional authenticated data")
	copyCmd.Flags().Bool("check", false, "only run the pre-flight check")
	_ = copyCmd.MarkFlagRequired("dst")
}

type copyRequest struct {
	dst       string
	image     []byte
	key       []byte
	opts      platform.CopyOptions
	checkOnly bool
}

func copyRequestFromFlags(cmd *cobra.Command) (copyRequest, error) {
	var req copyRequest
	req.dst, _ = cmd.Flags().GetString("dst")
	req.checkOnly, _ = cmd.Flags().GetBool("check")

	if size, _ := cmd.Flags().GetInt("decompressed-size"); size > 0 {
		req.opts.Compression = &decompress.Info{Algorithm: decompress.AlgorithmLZMA2, DecompressedImageSize: size}
	}

	alg, _ := cmd.Flags().GetString("enc-alg")
	if alg == "" {
		return req, nil
	}
	info := decrypt.Info{}
	switch strings.ToLower(alg) {
	case "a256gcm":
		info.Algorithm = decrypt.A256GCM
	case "chacha20poly1305":
		info.Algorithm = decrypt.ChaCha20Poly1305
	default:
		return req, fmt.Errorf("unknown encryption algorithm %q", alg)
	}

	var err error
	keyHex, _ := cmd.Flags().GetString("key")
	if req.key, err = hex.DecodeString(keyHex); err != nil {
		return req, fmt.Errorf("--key: %w", err)
	}
	ivHex, _ := cmd.Flags().GetString("iv")
	if info.IV, err = hex.DecodeString(ivHex); err != nil {
		return req, fmt.Errorf("--iv: %w", err)
	}
	info.KeyID, _ = cmd.Flags().GetUint32("key-id")
	if aad, _ := cmd.Flags().GetString("aad"); aad != "" {
		info.AAD = []byte(aad)
	}
	req.opts.Encryption = &info
	return req, nil
}

func runCopy(s *session, out io.Writer, req copyRequest) error {
	dstID, err := parseDestination(req.dst)
	if err != nil {
		return err
	}
	if req.opts.Encryption != nil {
		s.keys.Add(req.opts.Encryption.KeyID, req.key)
	}

	dst, err := s.component(dstID)
	if err != nil {
		return err
	}
	defer s.p.Components().Release(dst)

	src, err := s.stage(req.image)
	if err != nil {
		return err
	}
	defer s.p.Components().Release(src)

	if err := s.p.CheckCopy(dst, src, req.opts); err != nil {
		return fmt.Errorf("check copy: %w", err)
	}
	if req.checkOnly {
		fmt.Fprintln(out, "check: ok")
		return nil
	}
	if err := s.p.Copy(dst, src, req.opts); err != nil {
		return fmt.Errorf("copy: %w", err)
	}

	if addr, ok := s.mirror(); ok {
		fmt.Fprintf(out, "mirror: IPUC at 0x%x\n", addr)
	}
	if s.updater.requested {
		fmt.Fprintf(out, "update: slot %d from 0x%x, %d bytes\n", s.updater.slot, s.updater.addr, s.updater.size)
	}
	if typ, _ := dst.Type(); typ == component.TypeMEM {
		addr, size, err := dst.Payload()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "size: %d bytes at 0x%x\n", size, addr)
	}
	return nil
}

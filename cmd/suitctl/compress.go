package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/i5heu/suit-platform/pkg/decompress"
	"github.com/i5heu/suit-platform/pkg/memory"
	"github.com/i5heu/suit-platform/pkg/sink"
)

var compressCmd = &cobra.Command{
	Use:   "compress <input> <output>",
	Short: "Compress a firmware image into a raw LZMA2 payload.",
	Long: "`compress` writes the two byte header (dictionary size, lc/lp/pb) " +
		"followed by the LZMA2 chunk stream, the format the decompression filter accepts.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dictSize, _ := cmd.Flags().GetInt("dict-size")

		img, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		out, err := decompress.Compress(img, dictSize)
		if err != nil {
			return fmt.Errorf("compress: %w", err)
		}
		if err := os.WriteFile(args[1], out, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d -> %d bytes\n", args[1], len(img), len(out))
		return nil
	},
}

var decompressCmd = &cobra.Command{
	Use:   "decompress <input> <output>",
	Short: "Run a raw LZMA2 payload through the decompression filter.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		size, _ := cmd.Flags().GetInt("size")
		chunk, _ := cmd.Flags().GetInt("write-size")

		payload, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		img, err := decompressPayload(payload, size, chunk, log)
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[1], img, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes\n", args[1], len(img))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(decompressCmd)
	compressCmd.Flags().Int("dict-size", decompress.MaxDictSize, "dictionary size in bytes")
	decompressCmd.Flags().Int("size", 0, "decompressed image size in bytes")
	decompressCmd.Flags().Int("write-size", 512, "bytes handed to the filter per write")
	_ = decompressCmd.MarkFlagRequired("size")
}

const scratchBase = 0x2000_0000

// decompressPayload feeds payload to the filter in writeSize pieces and
// returns the image it produced in a scratch RAM slot.
func decompressPayload(payload []byte, size, writeSize int, log *logrus.Logger) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("decompress: --size must be positive")
	}

	m, err := memory.NewMap(memory.Region{Name: "scratch", Kind: memory.RAM, Base: scratchBase, Size: size})
	if err != nil {
		return nil, err
	}
	out, err := sink.NewMemorySink(m, scratchBase, size)
	if err != nil {
		return nil, err
	}

	ctx := decompress.NewContext(decompress.Config{Logger: log})
	f, err := ctx.Get(out, decompress.Info{Algorithm: decompress.AlgorithmLZMA2, DecompressedImageSize: size})
	if err != nil {
		_ = out.Release()
		return nil, err
	}

	err = eachChunk(payload, writeSize, func(_ int, p []byte, _ bool) error {
		return f.Write(p)
	})
	if err != nil {
		_ = f.Release()
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if err := f.Release(); err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return m.Read(scratchBase, size)
}

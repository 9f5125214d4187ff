package main

import (
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jamesainslie/zkcache/pkg/zkcache/manifest"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Generate and verify artifact manifests",
	Long: `Commands for working with the artifact manifest, the document that pins
every artifact's chunk hashes and Merkle roots for a release.`,
}

var manifestGenerateCmd = &cobra.Command{
	Use:   "generate <artifact-dir>",
	Short: "Build a manifest for a directory of artifacts",
	Long: `Walks the directory, chunk-hashes every regular file, and writes
manifest.json next to the artifacts (or to --output). Generation is
all-or-nothing: any unreadable file aborts the build.`,
	Args: cobra.ExactArgs(1),
	RunE: runManifestGenerate,
}

var manifestVerifyCmd = &cobra.Command{
	Use:   "verify <manifest> <artifact-dir>",
	Short: "Re-verify a directory of artifacts against a manifest",
	Long: `Rebuilds chunk hashes and roots from the artifact bytes and compares
them against the manifest. Any divergence is reported per file.`,
	Args: cobra.ExactArgs(2),
	RunE: runManifestVerify,
}

func init() {
	manifestGenerateCmd.Flags().StringP("output", "o", "", "output path (default: <artifact-dir>/manifest.json)")
	manifestGenerateCmd.Flags().Int("manifest-version", 0, "manifest version tag (0=config default)")
	manifestGenerateCmd.Flags().String("chunk-size", "", "chunk size, e.g. 1MiB (default: config)")

	manifestCmd.AddCommand(manifestGenerateCmd)
	manifestCmd.AddCommand(manifestVerifyCmd)
	rootCmd.AddCommand(manifestCmd)
}

func runManifestGenerate(cmd *cobra.Command, args []string) error {
	dir := args[0]

	version := cfg.Manifest.Version
	if v, _ := cmd.Flags().GetInt("manifest-version"); v > 0 {
		version = v
	}

	chunkSize, err := cfg.ChunkSizeBytes()
	if err != nil {
		return err
	}
	if s, _ := cmd.Flags().GetString("chunk-size"); s != "" {
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return fmt.Errorf("parsing --chunk-size: %w", err)
		}
		chunkSize = int(n)
	}

	man, err := manifest.NewBuilder(version, chunkSize).Build(dir)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = filepath.Join(dir, manifest.Filename)
	}
	if err := man.Write(output); err != nil {
		return err
	}

	fmt.Printf("Manifest written to %s\n", output)
	fmt.Printf("  files:  %d\n", man.TotalFiles)
	fmt.Printf("  bytes:  %s\n", humanize.IBytes(uint64(man.TotalSize)))
	fmt.Printf("  root:   %s\n", man.Root)
	return nil
}

func runManifestVerify(cmd *cobra.Command, args []string) error {
	manifestPath, dir := args[0], args[1]

	man, err := manifest.Load(manifestPath)
	if err != nil {
		return err
	}

	rebuilt, err := manifest.NewBuilder(man.Version, man.ChunkSize).Build(dir)
	if err != nil {
		return err
	}

	var failed int
	for _, entry := range man.EntriesByIndex() {
		got, ok := rebuilt.Files[entry.FileID]
		switch {
		case !ok:
			fmt.Printf("MISSING  %s\n", entry.FileID)
			failed++
		case got.FileMerkleRoot != entry.FileMerkleRoot:
			fmt.Printf("MISMATCH %s\n", entry.FileID)
			failed++
		}
	}
	for fileID := range rebuilt.Files {
		if _, ok := man.Files[fileID]; !ok {
			fmt.Printf("EXTRA    %s\n", fileID)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d artifacts failed verification", failed, man.TotalFiles)
	}
	if rebuilt.Root != man.Root {
		return fmt.Errorf("global root mismatch: manifest %s, recomputed %s", man.Root, rebuilt.Root)
	}

	fmt.Printf("OK: %d artifacts match root %s\n", man.TotalFiles, man.Root)
	return nil
}

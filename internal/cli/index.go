package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"finrag/config"
)

var (
	indexRebuild bool
	indexNoPrune bool
)

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Index source documents for retrieval",
	Long: `Index JSON/YAML document records (and markdown/text/html files with
front matter) under the specified directory. Each record carries a ticker,
document type (filing, transcript, news), publication date and content.
The index is stored in .finrag/index.db within the target directory.

Examples:
  finrag index .               # Index current directory
  finrag index ./corpus        # Index specific directory
  finrag index . --rebuild     # Drop the index and start over`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().BoolVar(&indexRebuild, "rebuild", false, "clear the index before indexing")
	indexCmd.Flags().BoolVar(&indexNoPrune, "no-prune", false, "keep documents whose source files are gone")
}

func runIndex(cmd *cobra.Command, args []string) error {
	path := GetRootDir()
	if len(args) > 0 {
		var err error
		path, err = filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("invalid path: %w", err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("path does not exist: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	cfg := GetConfig()
	a, err := openApp(cfg, GetLogger(), path, true)
	if err != nil {
		return err
	}
	defer a.Close()

	migration, err := a.store.CheckMigration(cfg)
	if err != nil {
		return fmt.Errorf("failed to check migration: %w", err)
	}
	switch {
	case indexRebuild:
		fmt.Println("Clearing existing index...")
		if err := a.store.Clear(); err != nil {
			return fmt.Errorf("failed to clear index: %w", err)
		}
	case migration.NeedsRebuild:
		fmt.Printf("Index rebuild required: %s\n", migration.Reason)
		fmt.Println("Clearing existing index...")
		if err := a.store.Clear(); err != nil {
			return fmt.Errorf("failed to clear index: %w", err)
		}
	case migration.NeedsMigration:
		fmt.Printf("Running schema migration: %s\n", migration.Reason)
	}
	if err := a.store.Migrate(cfg); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	indexUC, err := a.indexer()
	if err != nil {
		return err
	}

	fmt.Printf("Scanning %s...\n", path)

	var (
		bar       *progressbar.ProgressBar
		barMu     sync.Mutex
		startTime time.Time
	)
	progress := func(processed, total int) {
		barMu.Lock()
		defer barMu.Unlock()

		if bar == nil {
			startTime = time.Now()
			bar = progressbar.NewOptions(total,
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionShowBytes(false),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionSetDescription("[cyan]Indexing[reset]"),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "[green]=[reset]",
					SaucerHead:    "[green]>[reset]",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
				progressbar.OptionOnCompletion(func() {
					fmt.Println()
				}),
			)
		}

		_ = bar.Set(processed)
		if processed > 0 {
			elapsed := time.Since(startTime)
			rate := float64(processed) / elapsed.Seconds()
			if rate > 0 {
				eta := time.Duration(float64(total-processed)/rate) * time.Second
				bar.Describe(fmt.Sprintf("[cyan]Indexing[reset] ETA: %s", formatDuration(eta)))
			}
		}
	}

	result, err := indexUC.IndexDir(cmd.Context(), path, !indexNoPrune, progress)
	if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}

	stats, err := a.store.Stats(cmd.Context())
	if err != nil {
		return err
	}
	version, err := a.store.EmbeddingVersion(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("\nIndexing complete:\n")
	fmt.Printf("  Documents indexed: %d\n", result.DocumentsIndexed)
	fmt.Printf("  Documents deleted: %d (removed)\n", result.DocumentsDeleted)
	fmt.Printf("  Chunks created:    %d\n", result.ChunksCreated)
	fmt.Printf("  Chunks in index:   %d\n", stats.TotalChunks)
	fmt.Printf("  Embedding:         %s\n", version)

	if len(result.Failures) > 0 {
		fmt.Printf("\nSkipped documents:\n")
		for _, f := range result.Failures {
			name := f.Source
			if f.DocumentID != "" {
				name = fmt.Sprintf("%s (%s)", f.Source, f.DocumentID)
			}
			fmt.Printf("  - %s: %s\n", name, f.Reason)
		}
	}

	fmt.Printf("\nIndex stored at: %s\n", config.IndexDBPath(path))
	return nil
}

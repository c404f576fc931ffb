package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"threadbridge/internal/tagmap"
	"threadbridge/internal/ui"
)

var tagmapCmd = &cobra.Command{
	Use:   "tagmap",
	Short: "Inspect and validate the label→tag-id mapping",
}

var tagmapCheckCmd = &cobra.Command{
	Use:   "check <path>",
	Short: "Strictly validate a tag map file",
	Long: `Validate a tag map file the way a hot reload would: the file must
be a JSON object of strings. Exits non-zero on any shape violation.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		tm := tagmap.New()
		count, err := tm.ReloadInPlace(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}
		fmt.Printf("%s %s: %d entries\n", ui.RenderPass("✓"), args[0], count)
	},
}

var tagmapShowCmd = &cobra.Command{
	Use:   "show <path>",
	Short: "Print a tag map file's entries",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		tm := tagmap.New()
		if _, err := tm.ReloadInPlace(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}
		mapping := tm.Snapshot()
		keys := make([]string, 0, len(mapping))
		for k := range mapping {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s %s %s\n", k, ui.RenderDim("→"), mapping[k])
		}
	},
}

func init() {
	tagmapCmd.AddCommand(tagmapCheckCmd)
	tagmapCmd.AddCommand(tagmapShowCmd)
}

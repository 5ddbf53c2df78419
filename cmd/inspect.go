package cmd

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-threader/filter"
	"github.com/dhcgn/mbox-threader/mbox"
	"github.com/dhcgn/mbox-threader/model"
	"github.com/dhcgn/mbox-threader/stats"
)

var (
	reportDir     string
	topN          int
	includeHeader []string
	includeBody   []string
	excludeHeader []string
	excludeBody   []string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [mbox file]",
	Short: "Analyse an mbox file or chunk and show header statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mboxPath := args[0]

		fmt.Println("Analyzing mbox file:", mboxPath)

		f, err := filter.New(filter.Options{
			IncludeHeader: includeHeader,
			IncludeBody:   includeBody,
			ExcludeHeader: excludeHeader,
			ExcludeBody:   excludeBody,
		})
		if err != nil {
			return fmt.Errorf("create filter: %w", err)
		}

		counter := make(map[string]map[string]int)
		headersToTrack := []string{"Delivered-To", "Subject", "From", "To"}
		for _, h := range headersToTrack {
			counter[h] = make(map[string]int)
		}

		messageCount := 0
		skippedCount := 0
		printStats := func() {
			// ANSI escape code to clear screen and move cursor to top-left
			fmt.Print("\033[H\033[2J")
			totalMessages := messageCount + skippedCount
			var filterPercent float64
			if totalMessages > 0 {
				filterPercent = float64(skippedCount) / float64(totalMessages) * 100
			}
			fmt.Printf("Processed %d messages (skipped %d by filters, %.2f%%)...\n\n", messageCount, skippedCount, filterPercent)

			filterStats := f.GetStats()
			if len(filterStats.Hits) > 0 {
				fmt.Println("Filter hits:")
				printFilterHits(filterStats.Hits)
				fmt.Println()
				fmt.Println("---")
				fmt.Println()
			}

			for _, header := range headersToTrack {
				fmt.Printf("Top %d %s:\n", topN, header)
				stats.PrettyPrintTop(counter[header], topN)
				fmt.Println()
			}
		}

		err = mbox.Inspect(mboxPath, func(m *mbox.InspectMessage) error {
			if !f.Allows(model.Message{Headers: m.Headers, BodyText: string(m.Body)}) {
				skippedCount++
				return nil
			}

			messageCount++
			for _, headerName := range headersToTrack {
				if value := m.Headers.Get(headerName); value != "" {
					counter[headerName][value]++
				}
			}

			if messageCount%250 == 0 {
				printStats()
			}

			return nil
		})

		if err != nil {
			return fmt.Errorf("error reading mbox file: %w", err)
		}

		// Final print
		printStats()

		if err := saveCSVReports(counter, headersToTrack, reportDir, 1000); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}

		fmt.Printf("\nReports saved to directory: %s\n", reportDir)

		return nil
	},
}

func init() {
	inspectCmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	inspectCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	inspectCmd.Flags().StringArrayVar(&includeHeader, "include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	inspectCmd.Flags().StringArrayVar(&includeBody, "include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	inspectCmd.Flags().StringArrayVar(&excludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	inspectCmd.Flags().StringArrayVar(&excludeBody, "exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	rootCmd.AddCommand(inspectCmd)
}

func saveCSVReports(counter map[string]map[string]int, headers []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// Write data for each header category to a separate file
	for _, header := range headers {
		counts := counter[header]

		filename := fmt.Sprintf("report_%s.csv", normalizeHeaderName(header))
		filePath := filepath.Join(dir, filename)

		file, err := os.Create(filePath)
		if err != nil {
			return err
		}

		writer := csv.NewWriter(file)

		if err := writer.Write([]string{"Value", "Count"}); err != nil {
			file.Close()
			return err
		}

		// Sort by count descending
		type pair struct {
			Key   string
			Value int
		}
		var pairs []pair
		for k, v := range counts {
			pairs = append(pairs, pair{k, v})
		}
		sort.Slice(pairs, func(i, j int) bool {
			return pairs[i].Value > pairs[j].Value
		})

		for i := 0; i < limit && i < len(pairs); i++ {
			record := []string{
				pairs[i].Key,
				strconv.Itoa(pairs[i].Value),
			}
			if err := writer.Write(record); err != nil {
				file.Close()
				return err
			}
		}

		writer.Flush()
		file.Close()

		if err := writer.Error(); err != nil {
			return err
		}
	}

	return nil
}

func normalizeHeaderName(header string) string {
	// Lowercase and replace chars unsuitable for filenames
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

func printFilterHits(hits map[string]int) {
	type pair struct {
		Pattern string
		Count   int
	}
	var pairs []pair
	for pattern, count := range hits {
		pairs = append(pairs, pair{pattern, count})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Count != pairs[j].Count {
			return pairs[i].Count > pairs[j].Count
		}
		return pairs[i].Pattern < pairs[j].Pattern
	})

	for _, p := range pairs {
		fmt.Printf("  %s: %d hits\n", p.Pattern, p.Count)
	}
}

package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/amirhf/imageSearch/services/lookalike-go/client"
	"github.com/amirhf/imageSearch/services/lookalike-go/history"
	"github.com/amirhf/imageSearch/services/lookalike-go/models"
)

func newSearchCmd(a *app) *cobra.Command {
	var (
		count  int
		save   bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "search <image>",
		Short: "Search for images similar to a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			encoded, err := client.EncodeFile(path)
			if err != nil {
				return err
			}

			session := a.client.NewSession()
			a.logger.Debug("searching", "file", path, "session", session.ID(), "count", count)
			results, err := session.Search(cmd.Context(), encoded, count)
			if err != nil {
				return err
			}

			if asJSON {
				if err := printJSON(a, models.SearchResponse{Results: results, RequestID: session.RemoteID()}); err != nil {
					return err
				}
			} else {
				printResults(a, results)
			}

			if save {
				entry := history.NewEntry(filepath.Base(path), encoded, results, time.Now())
				n := a.history().Save(cmd.Context(), entry)
				if n == 0 {
					return fmt.Errorf("could not save search to history")
				}
				fmt.Fprintf(a.out, "saved to history (%d entries)\n", n)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", client.DefaultResultCount, "number of results")
	cmd.Flags().BoolVar(&save, "save", false, "record the search in history")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSplitCmd(a *app) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "split <image>",
		Short: "Cut an image into the items it contains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			encoded, err := client.EncodeFile(args[0])
			if err != nil {
				return err
			}
			segments, err := a.client.Split(cmd.Context(), encoded)
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "%d segments\n", len(segments))
			if outDir == "" {
				return nil
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			for i, seg := range segments {
				path, err := writeSegment(outDir, i, seg)
				if err != nil {
					a.logger.Warn("skipping segment", "index", i, "err", err)
					continue
				}
				fmt.Fprintln(a.out, path)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "directory to write segment images to")
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Ask the service to stop a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ack, err := a.client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(a, ack)
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or edit past searches",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved searches, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries := a.history().GetAll(cmd.Context())
			if asJSON {
				return printJSON(a, entries)
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWHEN\tSOURCE\tTOP\tRESULTS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%d\n",
					e.ID, time.UnixMilli(e.Timestamp).Format(time.DateTime), e.SourceImageName, e.TopSimilarity, len(e.Results))
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one saved search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := a.history().DeleteByID(cmd.Context(), args[0])
			fmt.Fprintf(a.out, "%d entries left\n", n)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all saved searches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.history().ClearAll(cmd.Context()) {
				return fmt.Errorf("could not clear history")
			}
			fmt.Fprintln(a.out, "history cleared")
			return nil
		},
	}

	cmd.AddCommand(list, del, clearCmd)
	return cmd
}

func printResults(a *app, results []models.SearchResultItem) {
	if len(results) == 0 {
		fmt.Fprintln(a.out, "no matches")
		return
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tID\tSIMILARITY")
	for i, r := range results {
		fmt.Fprintf(tw, "%d\t%s\t%.4f\n", i+1, r.ID, r.Similarity)
	}
	tw.Flush()
}

func printJSON(a *app, v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeSegment decodes one segment and writes it to dir, named by index with
// an extension matching its content.
func writeSegment(dir string, i int, seg models.Segment) (string, error) {
	data, err := base64.StdEncoding.DecodeString(client.StripDataURI(seg.Image))
	if err != nil {
		return "", fmt.Errorf("decode segment: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("segment-%02d%s", i+1, mimetype.Detect(data).Extension()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

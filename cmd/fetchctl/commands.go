package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"fetchd/internal/services/downloads"

	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		quality   string
		outputDir string
		proxy     string
		fromFile  string
		thumb     bool
		noThumb   bool
		mp4       bool
	)
	cmd := &cobra.Command{
		Use:   "submit [url...]",
		Short: "Queue one or more downloads",
		Long:  "Queue downloads. With --file, URLs are read one per line (\"-\" for stdin); blank lines and # comments are skipped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			urls := append([]string(nil), args...)
			if fromFile != "" {
				more, err := readURLs(cmd.InOrStdin(), fromFile)
				if err != nil {
					return err
				}
				urls = append(urls, more...)
			}
			if len(urls) == 0 {
				return errors.New("no url given")
			}

			base := downloads.Request{Quality: quality, OutputDir: outputDir, Proxy: proxy}
			switch {
			case thumb && noThumb:
				return errors.New("--thumbnail and --no-thumbnail are exclusive")
			case thumb || noThumb:
				v := thumb
				base.WriteThumbnail = &v
			}
			if mp4 {
				base.ConvertMP4 = &mp4
			}

			c := ctx.client()
			out := cmd.OutOrStdout()
			if len(urls) == 1 {
				base.URL = urls[0]
				id, err := c.Submit(cmd.Context(), base)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, id)
				return nil
			}

			reqs := make([]downloads.Request, len(urls))
			for i, u := range urls {
				reqs[i] = base
				reqs[i].URL = u
			}
			results, err := c.SubmitBatch(cmd.Context(), reqs)
			if err != nil {
				return err
			}
			if ctx.json {
				return printJSON(out, results)
			}
			rows := make([][]string, len(results))
			failed := 0
			for i, r := range results {
				res := r.ID
				if r.Error != "" {
					res = "error: " + r.Error
					failed++
				}
				rows[i] = []string{strconv.Itoa(i + 1), truncate(urls[i], 60), res}
			}
			fmt.Fprint(out, renderTable([]string{"#", "URL", "Result"}, rows, []columnAlignment{alignRight}))
			if failed > 0 {
				return fmt.Errorf("%d of %d submissions failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&quality, "quality", "q", "", "best, audio, 4k or <height>p")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory (server default when empty)")
	cmd.Flags().StringVar(&proxy, "proxy", "", "proxy URL for this download")
	cmd.Flags().StringVarP(&fromFile, "file", "f", "", "read URLs from a file")
	cmd.Flags().BoolVar(&thumb, "thumbnail", false, "write the thumbnail")
	cmd.Flags().BoolVar(&noThumb, "no-thumbnail", false, "never write the thumbnail")
	cmd.Flags().BoolVar(&mp4, "mp4", false, "remux video into an mp4 container")
	return cmd
}

func newAnalyzeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <url>",
		Short: "Show the title and qualities a URL offers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.client().Analyze(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if ctx.json {
				return printJSON(out, a)
			}
			fmt.Fprint(out, renderAnalysis(a))
			return nil
		},
	}
}

func readURLs(stdin io.Reader, path string) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List live tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := ctx.client().List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if ctx.json {
				return printJSON(out, tasks)
			}
			fmt.Fprint(out, renderTasks(tasks, shouldColorize(out), time.Now()))
			return nil
		},
	}
}

func newGetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := ctx.client().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if ctx.json {
				return printJSON(out, t)
			}
			fmt.Fprint(out, renderTask(t, shouldColorize(out)))
			return nil
		},
	}
}

func newControlCommand(ctx *commandContext, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := ctx.client()
			var errs []error
			for _, id := range args {
				if err := c.Control(cmd.Context(), id, action); err != nil {
					errs = append(errs, fmt.Errorf("%s %s: %w", action, id, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", action, id)
			}
			return errors.Join(errs...)
		},
	}
}

func newLimitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "limit [n]",
		Short: "Show or set the concurrency limit (1-16)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := ctx.client()
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid limit %q", args[0])
				}
				applied, err := c.SetLimit(cmd.Context(), n)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "limit %d\n", applied)
				return nil
			}
			snap, err := c.Concurrency(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.json {
				return printJSON(out, snap)
			}
			fmt.Fprint(out, renderGate(snap))
			return nil
		},
	}
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		query string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show finished downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := ctx.client().History(cmd.Context(), query, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if ctx.json {
				return printJSON(out, recs)
			}
			fmt.Fprint(out, renderHistory(recs, shouldColorize(out), time.Now()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "search", "s", "", "match title or URL")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max records (0 for all)")

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete history records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := ctx.client()
			var errs []error
			for _, id := range args {
				if err := c.DeleteHistory(cmd.Context(), id); err != nil {
					errs = append(errs, fmt.Errorf("rm %s: %w", id, err))
				}
			}
			return errors.Join(errs...)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete all history records",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := ctx.client().ClearHistory(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records\n", n)
			return nil
		},
	})
	return cmd
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var task string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream task notices",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return ctx.client().Watch(cmd.Context(), task, func(ev streamEvent) {
				if ctx.json {
					_ = printJSON(out, map[string]any{"type": ev.Type, "notice": ev.Notice})
					return
				}
				fmt.Fprintln(out, renderEvent(ev))
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "only this task id")
	return cmd
}

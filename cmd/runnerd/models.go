package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/mattn/go-isatty"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"runnerd/internal/fetcher"
	"runnerd/pkg/types"
)

// withStack runs fn against an in-process stack without metrics.
func withStack(cmd *cobra.Command, o *options, fn func(ctx context.Context, st *stack) error) error {
	a, err := o.load(nil)
	if err != nil {
		return err
	}
	defer a.Close()
	st, err := buildStack(cmd.Context(), a.cfg, a.log, nil)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cmd.Context(), st)
}

func newPullCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pull MODEL",
		Short: "Download a model into the models directory",
		Long: "Download a model into the models directory.\n\n" +
			"MODEL is hf.co/<owner>/<repo>/<file>.gguf, a direct https URL,\n" +
			"or a bare name resolved through the configured registry.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, o, func(ctx context.Context, st *stack) error {
				out := cmd.OutOrStdout()
				p := newPullProgress(out)
				e, err := st.service.PullModel(ctx, args[0], p.update)
				p.stop()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pulled %s (%s)\n", e.Key(), units.HumanSize(float64(e.Size)))
				return nil
			})
		},
	}
}

// pullProgress renders download progress as a bar on a terminal and as
// status lines otherwise.
type pullProgress struct {
	out    io.Writer
	tty    bool
	bar    *pterm.ProgressbarPrinter
	status string
}

func newPullProgress(out io.Writer) *pullProgress {
	return &pullProgress{out: out, tty: isTTY(out)}
}

func (p *pullProgress) update(ev fetcher.Progress) {
	if ev.Status == fetcher.StatusDownloading && p.tty && ev.Total > 0 {
		if p.bar == nil {
			p.bar, _ = pterm.DefaultProgressbar.
				WithTotal(int(ev.Total)).
				WithTitle("downloading").
				WithShowCount(false).
				WithWriter(p.out).
				Start()
		}
		if p.bar != nil {
			if delta := int(ev.Completed) - p.bar.Current; delta > 0 {
				p.bar.Add(delta)
			}
		}
		return
	}
	if ev.Status == p.status {
		return
	}
	p.status = ev.Status
	if ev.Status == fetcher.StatusDownloading {
		return
	}
	p.stop()
	line := ev.Status
	if ev.Total > 0 {
		line += " " + units.HumanSize(float64(ev.Total))
	}
	fmt.Fprintln(p.out, line)
}

func (p *pullProgress) stop() {
	if p.bar != nil {
		_, _ = p.bar.Stop()
		p.bar = nil
	}
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func newListCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List catalogued models",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, o, func(ctx context.Context, st *stack) error {
				entries, err := st.service.ListModels(ctx)
				if err != nil {
					return err
				}
				return renderList(cmd.OutOrStdout(), entries, time.Now())
			})
		},
	}
}

func renderList(w io.Writer, entries []types.CatalogEntry, now time.Time) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key().String() < entries[j].Key().String() })
	data := pterm.TableData{{"NAME", "SIZE", "QUANT", "MODIFIED"}}
	for _, e := range entries {
		data = append(data, []string{
			e.Key().String(),
			units.HumanSize(float64(e.Size)),
			orDash(e.QuantizationLevel),
			ago(now, e.ModifiedAt),
		})
	}
	return renderTable(w, data)
}

func renderTable(w io.Writer, data pterm.TableData) error {
	s, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, s)
	return err
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return units.HumanDuration(now.Sub(t)) + " ago"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newShowCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show MODEL",
		Short: "Show a model's catalog entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, o, func(ctx context.Context, st *stack) error {
				e, err := st.service.ShowModel(ctx, args[0])
				if err != nil {
					return err
				}
				renderShow(cmd.OutOrStdout(), e)
				return nil
			})
		},
	}
}

func renderShow(w io.Writer, e types.CatalogEntry) {
	rows := [][2]string{
		{"model", e.Key().String()},
		{"path", e.Path},
		{"size", units.HumanSize(float64(e.Size))},
		{"format", orDash(e.Format)},
		{"family", orDash(e.Family)},
		{"parameters", orDash(e.ParameterSize)},
		{"quantization", orDash(e.QuantizationLevel)},
		{"digest", orDash(e.Digest)},
	}
	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "  %-14s %s\n", r[0], r[1])
	}
	_, _ = io.WriteString(w, b.String())
}

func newRmCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "rm MODEL...",
		Aliases: []string{"remove"},
		Short:   "Remove models and their downloaded weights",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, o, func(ctx context.Context, st *stack) error {
				for _, ref := range args {
					if err := st.service.DeleteModel(ctx, ref); err != nil {
						return fmt.Errorf("%s: %w", ref, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", ref)
				}
				return nil
			})
		},
	}
}

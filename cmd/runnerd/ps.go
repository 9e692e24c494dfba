package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"runnerd/internal/config"
	"runnerd/pkg/types"
)

func newPsCmd(o *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List models resident in a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.load(func(c *config.Config) {
				if addr != "" {
					c.Addr = addr
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()
			ps, err := fetchPs(cmd.Context(), http.DefaultClient, a.cfg.Addr)
			if err != nil {
				return err
			}
			return renderPs(cmd.OutOrStdout(), ps, time.Now())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Server address (default from config)")
	return cmd
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}

func fetchPs(ctx context.Context, client *http.Client, addr string) (types.ProcessResponse, error) {
	var ps types.ProcessResponse
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(addr)+"/api/ps", nil)
	if err != nil {
		return ps, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return ps, fmt.Errorf("is the server running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e types.ErrorResponse
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return ps, fmt.Errorf("server: %s", e.Error)
		}
		return ps, fmt.Errorf("server: HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&ps); err != nil {
		return ps, fmt.Errorf("decode /api/ps: %w", err)
	}
	return ps, nil
}

func renderPs(w io.Writer, ps types.ProcessResponse, now time.Time) error {
	data := pterm.TableData{{"NAME", "SIZE", "SESSIONS", "LOADED"}}
	for _, m := range ps.Models {
		data = append(data, []string{
			m.Name,
			units.HumanSize(float64(m.Size)),
			strconv.Itoa(m.ActiveSessions),
			ago(now, m.LoadedAt),
		})
	}
	return renderTable(w, data)
}

package commands

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/openpmem/rpmem/internal/cliout"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a daemon's exported metrics as a table",
	Long: `Scrapes the daemon's own /metrics endpoint and renders the
counters named in the observability section (OOB requests, persist
operations, bytes flushed, WQ stalls, lanes posted) as a table.

This deliberately does not add a STATUS message to the OOB wire
protocol: the daemon's Prometheus endpoint is the only status surface.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://127.0.0.1:9090", "daemon metrics endpoint base URL")
}

func runStatus(cmd *cobra.Command, args []string) error {
	url := strings.TrimRight(statusAddr, "/") + "/metrics"
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("rpmemctl: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return fmt.Errorf("rpmemctl: parse metrics: %w", err)
	}

	names := make([]string, 0, len(families))
	for name, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "rpmem_") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var rows [][]string
	for _, name := range names {
		for _, m := range families[name].GetMetric() {
			rows = append(rows, []string{name, labelString(m.GetLabel()), formatValue(m)})
		}
	}

	cliout.Table(os.Stdout, []string{"metric", "labels", "value"}, rows)
	return nil
}

func labelString(labels []*dto.LabelPair) string {
	var parts []string
	for _, l := range labels {
		parts = append(parts, fmt.Sprintf("%s=%s", l.GetName(), l.GetValue()))
	}
	return strings.Join(parts, ",")
}

func formatValue(m *dto.Metric) string {
	switch {
	case m.Counter != nil:
		return fmt.Sprintf("%g", m.Counter.GetValue())
	case m.Gauge != nil:
		return fmt.Sprintf("%g", m.Gauge.GetValue())
	default:
		return "?"
	}
}

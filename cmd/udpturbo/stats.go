package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

const metricPrefix = "udpturbo_"

func statsCmd() *cobra.Command {
	var (
		healthAddr string
		all        bool
		user       string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show daemon metrics from the health server",
		Long: `Fetch /metrics from the daemon health server and print the socket
counters. The health server must be enabled in the configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			families, err := fetchMetrics(ctx, "http://"+healthAddr+"/metrics", user, os.Getenv("UDPTURBO_HEALTH_PASSWORD"))
			if err != nil {
				return err
			}
			for _, line := range summarize(families, all) {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&healthAddr, "health", "127.0.0.1:8090", "Health server address")
	cmd.Flags().BoolVar(&all, "all", false, "Include runtime and process metrics")
	cmd.Flags().StringVarP(&user, "user", "u", "", "Basic auth user (password from UDPTURBO_HEALTH_PASSWORD)")
	return cmd
}

func fetchMetrics(ctx context.Context, url, user, password string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/plain")
	if password != "" {
		req.SetBasicAuth(user, password)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch metrics: %s", resp.Status)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes the Prometheus text exposition format.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}
	return families, nil
}

// summarize renders one line per sample, sorted by metric name.
func summarize(families map[string]*dto.MetricFamily, all bool) []string {
	names := make([]string, 0, len(families))
	for name := range families {
		if all || strings.HasPrefix(name, metricPrefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var lines []string
	for _, name := range names {
		mf := families[name]
		for _, m := range mf.GetMetric() {
			label := strings.TrimPrefix(name, metricPrefix) + formatLabels(m.GetLabel())
			lines = append(lines, fmt.Sprintf("%-48s %s", label, formatValue(name, mf.GetType(), m)))
		}
	}
	return lines
}

func formatLabels(pairs []*dto.LabelPair) string {
	if len(pairs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.GetName()+"="+p.GetValue())
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func formatValue(name string, typ dto.MetricType, m *dto.Metric) string {
	var v float64
	switch typ {
	case dto.MetricType_COUNTER:
		v = m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		v = m.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		h := m.GetHistogram()
		if h.GetSampleCount() == 0 {
			return "count=0"
		}
		return fmt.Sprintf("count=%s avg=%s", humanize.Comma(int64(h.GetSampleCount())),
			time.Duration(h.GetSampleSum()/float64(h.GetSampleCount())*float64(time.Second)).Round(time.Microsecond))
	case dto.MetricType_SUMMARY:
		return fmt.Sprintf("count=%s", humanize.Comma(int64(m.GetSummary().GetSampleCount())))
	default:
		v = m.GetUntyped().GetValue()
	}
	if strings.Contains(name, "_bytes") {
		return humanize.IBytes(uint64(v))
	}
	if v == float64(int64(v)) {
		return humanize.Comma(int64(v))
	}
	return humanize.FormatFloat("#,###.##", v)
}

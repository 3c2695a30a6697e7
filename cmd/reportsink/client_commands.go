package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/reportsink/internal/config"
	"github.com/loykin/reportsink/pkg/client"
)

func addClientFlags(cmd *cobra.Command, f *ClientFlags) {
	cmd.Flags().StringVar(&f.URL, "url", "http://localhost:8080", "server base URL including base_path")
	cmd.Flags().StringVar(&f.Token, "token", "", "shared secret (default $"+config.EnvName("auth.token")+")")
	cmd.Flags().StringVar(&f.Source, "source", "reportsink-cli", "value for the X-Agent-Source header")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate for a self-signed server")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print raw JSON")
}

func newClient(f *ClientFlags) (*client.Client, error) {
	token := f.Token
	if token == "" {
		token = os.Getenv(config.EnvName("auth.token"))
	}
	cfg := client.Config{
		BaseURL:  f.URL,
		Token:    token,
		Source:   f.Source,
		Timeout:  f.Timeout,
		Insecure: f.Insecure,
	}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: f.CACert}
	}
	return client.New(cfg)
}

func createSendCommand(clientFlags *ClientFlags) *cobra.Command {
	sendFlags := &SendFlags{}
	cmd := &cobra.Command{
		Use:   "send [report.json|-]",
		Short: "Submit a report to a running server",
		Long: `Submit one report. The body is read from a file, from stdin ("-"),
or built from --agent/--status/--tasks/--field flags.

Examples:
  reportsink send report.json
  echo '{"agent_name":"nightly","status":"completed"}' | reportsink send -
  reportsink send --agent=nightly --status=completed --tasks=5 --field=email_sent=true`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				sendFlags.File = args[0]
			}
			body, err := buildReport(sendFlags, cmd.InOrStdin(), time.Now())
			if err != nil {
				return err
			}
			c, err := newClient(clientFlags)
			if err != nil {
				return err
			}
			ack, err := c.Submit(cmd.Context(), json.RawMessage(body))
			if err != nil {
				return err
			}
			if clientFlags.JSON {
				return printJSON(cmd.OutOrStdout(), ack)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "stored report #%d (%d retained on %s)\n", ack.ReportID, ack.TotalReports, ack.Server)
			return err
		},
	}
	addClientFlags(cmd, clientFlags)
	cmd.Flags().StringVar(&sendFlags.Agent, "agent", "", "agent_name")
	cmd.Flags().StringVar(&sendFlags.Status, "status", "completed", "status")
	cmd.Flags().IntVar(&sendFlags.Tasks, "tasks", 0, "tasks_completed")
	cmd.Flags().StringVar(&sendFlags.Date, "date", "", "report_date (default today)")
	cmd.Flags().StringArrayVar(&sendFlags.Fields, "field", nil, "extra key=value field; value is parsed as JSON when possible")
	return cmd
}

// buildReport returns the JSON body to submit.
func buildReport(f *SendFlags, stdin io.Reader, now time.Time) ([]byte, error) {
	switch f.File {
	case "":
	case "-":
		return io.ReadAll(stdin)
	default:
		return os.ReadFile(f.File)
	}
	if f.Agent == "" {
		return nil, errors.New("--agent is required when no report file is given")
	}
	m := map[string]any{
		"agent_name":      f.Agent,
		"status":          f.Status,
		"tasks_completed": f.Tasks,
		"report_date":     now.Format("2006-01-02"),
		"report_time":     now.Format("15:04:05"),
	}
	if f.Date != "" {
		m["report_date"] = f.Date
	}
	for _, kv := range f.Fields {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			return nil, fmt.Errorf("invalid --field %q, want key=value", kv)
		}
		k, raw := kv[:i], kv[i+1:]
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		m[k] = v
	}
	return json.Marshal(m)
}

func createListCommand(clientFlags *ClientFlags) *cobra.Command {
	listFlags := &ListFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored reports, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(clientFlags)
			if err != nil {
				return err
			}
			resp, err := c.List(cmd.Context(), listFlags.Limit)
			if err != nil {
				return err
			}
			if clientFlags.JSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			return printReports(cmd.OutOrStdout(), resp)
		},
	}
	addClientFlags(cmd, clientFlags)
	cmd.Flags().IntVar(&listFlags.Limit, "limit", 20, "maximum number of reports (0 = all)")
	return cmd
}

func printReports(w io.Writer, resp *client.ListResponse) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tAGENT\tSTATUS\tTASKS\tRECEIVED")
	for _, r := range resp.Reports {
		tasks := string(r["tasks_completed"])
		if s := r.String("tasks_completed"); s != "" {
			tasks = s
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			r.SequenceID(), r.String("agent_name"), r.String("status"), tasks, r.String("received_at"))
	}
	_, _ = fmt.Fprintf(tw, "\n%d of %d retained reports\n", len(resp.Reports), resp.Total)
	return tw.Flush()
}

func createStatsCommand(clientFlags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate counters for the stored reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(clientFlags)
			if err != nil {
				return err
			}
			st, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if clientFlags.JSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "total: %d\ncompleted: %d\nerrors: %d\ntasks completed: %d\n",
				st.Total, st.Completed, st.Errors, st.TasksCompleted)
			if st.Latest != nil {
				_, _ = fmt.Fprintf(w, "latest: %s\n", st.Latest.UTC().Format(time.RFC3339))
			}
			statuses := make([]string, 0, len(st.ByStatus))
			for status := range st.ByStatus {
				statuses = append(statuses, status)
			}
			sort.Strings(statuses)
			for _, status := range statuses {
				_, _ = fmt.Fprintf(w, "  %s: %d\n", status, st.ByStatus[status])
			}
			return nil
		},
	}
	addClientFlags(cmd, clientFlags)
	return cmd
}

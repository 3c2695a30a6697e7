package server

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/reportsink/internal/ingest"
	"github.com/loykin/reportsink/internal/report"
)

//go:embed templates/dashboard.html
var templateFS embed.FS

var dashboardTemplate = template.Must(template.ParseFS(templateFS, "templates/dashboard.html"))

type dashboardRow struct {
	ID          int64
	Agent       string
	Status      string
	StatusClass string
	ReportDate  string
	ReportTime  string
	ReceivedAt  string
	Tasks       string
	Spreadsheet bool
	Email       bool
	GitHubURL   string
}

type dashboardView struct {
	Server string
	Stats  ingest.Stats
	Rows   []dashboardRow
}

func newDashboardRow(e report.Entry) dashboardRow {
	row := dashboardRow{
		ID:          e.SequenceID,
		Agent:       e.AgentName(),
		Status:      e.Status(),
		ReportDate:  e.String(report.KeyReportDate),
		ReportTime:  e.String(report.KeyReportTime),
		ReceivedAt:  e.ReceivedAt.UTC().Format(report.TimeLayout),
		Tasks:       e.TasksCompleted(),
		Spreadsheet: e.Bool("spreadsheet_created"),
		Email:       e.Bool("email_sent"),
		GitHubURL:   e.String("github_report_url"),
	}
	switch row.Status {
	case report.StatusCompleted:
		row.StatusClass = "ok"
	case report.StatusError:
		row.StatusClass = "err"
	case "":
		row.Status = "unknown"
		row.StatusClass = "other"
	default:
		row.StatusClass = "other"
	}
	return row
}

func (r *Router) handleDashboard(c *gin.Context) {
	list, err := r.svc.List(c.Request.Context(), 0)
	if err != nil {
		r.writeError(c, err, nil)
		return
	}
	view := dashboardView{Server: r.svc.ServerDomain(), Stats: ingest.Summarize(list)}
	view.Rows = make([]dashboardRow, 0, len(list))
	for _, e := range list {
		view.Rows = append(view.Rows, newDashboardRow(e))
	}
	c.HTML(http.StatusOK, "dashboard.html", view)
}

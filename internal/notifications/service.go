package notifications

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nuwa/skyeye-bot/internal/config"
	"github.com/nuwa/skyeye-bot/internal/models"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// Service handles sending notifications via Teams and e-mail
type Service struct {
	config *config.Config
	client *resty.Client
	send   func(m *gomail.Message) error
}

// Ensure Service implements NotificationInterface
var _ NotificationInterface = (*Service)(nil)

// TeamsMessage represents a Microsoft Teams message
type TeamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Title      string         `json:"title"`
	Text       string         `json:"text"`
	Sections   []TeamsSection `json:"sections,omitempty"`
}

type TeamsSection struct {
	ActivityTitle    string      `json:"activityTitle,omitempty"`
	ActivitySubtitle string      `json:"activitySubtitle,omitempty"`
	ActivityText     string      `json:"activityText,omitempty"`
	Facts            []TeamsFact `json:"facts,omitempty"`
	Markdown         bool        `json:"markdown,omitempty"`
}

type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewService creates a new notification service
func NewService(cfg *config.Config) *Service {
	s := &Service{
		config: cfg,
		client: resty.New().SetTimeout(30 * time.Second),
	}
	s.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
		return d.DialAndSend(m)
	}
	return s
}

// SendReport sends a report via configured notification channels
func (s *Service) SendReport(report *models.Report) error {
	return s.fanOut("report",
		func() error { return s.postTeams(s.buildReportTeamsMessage(report)) },
		func() error { return s.sendReportEmail(report) },
	)
}

// SendAlert sends an operator alert via configured notification channels
func (s *Service) SendAlert(alert *models.Alert) error {
	return s.fanOut("alert",
		func() error { return s.postTeams(s.buildAlertTeamsMessage(alert)) },
		func() error { return s.sendAlertEmail(alert) },
	)
}

func (s *Service) fanOut(kind string, teams, email func() error) error {
	var errors []string

	if s.config.TeamsWebhookURL != "" {
		if err := teams(); err != nil {
			logrus.Errorf("Failed to send Teams %s: %v", kind, err)
			errors = append(errors, fmt.Sprintf("Teams: %v", err))
		} else {
			logrus.Infof("Successfully sent %s to Teams", kind)
		}
	}

	if s.config.NotificationEmail != "" {
		if err := email(); err != nil {
			logrus.Errorf("Failed to send email %s: %v", kind, err)
			errors = append(errors, fmt.Sprintf("Email: %v", err))
		} else {
			logrus.Infof("Successfully sent %s via email", kind)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errors, "; "))
	}
	return nil
}

func (s *Service) postTeams(message *TeamsMessage) error {
	resp, err := s.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(message).
		Post(s.config.TeamsWebhookURL)
	if err != nil {
		return fmt.Errorf("failed to send Teams message: %w", err)
	}

	if resp.StatusCode() != 200 {
		return fmt.Errorf("Teams webhook returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}
	return nil
}

func periodTitle(period string) string {
	if period == "" {
		return ""
	}
	return strings.ToUpper(period[:1]) + period[1:]
}

func (s *Service) buildReportTeamsMessage(report *models.Report) *TeamsMessage {
	message := &TeamsMessage{
		Type:    "MessageCard",
		Context: "https://schema.org/extensions",
		Title:   fmt.Sprintf("Skyeye Bot Report - %s", periodTitle(report.Period)),
		Text:    fmt.Sprintf("%d roasts delivered so far", report.Stats.TotalRoasts),
	}

	facts := []TeamsFact{
		{Name: "Total Roasts", Value: fmt.Sprintf("%d", report.Stats.TotalRoasts)},
		{Name: "Targets", Value: fmt.Sprintf("%d", report.Stats.TotalTargets)},
		{Name: "Requesters", Value: fmt.Sprintf("%d", report.Stats.TotalRequesters)},
		{Name: "Generated", Value: report.GeneratedAt.Format("2006-01-02 15:04:05 UTC")},
	}
	if v := report.Stats.TopVictim; v != nil {
		facts = append(facts, TeamsFact{Name: "Top Victim", Value: fmt.Sprintf("@%s (%d)", v.Handle, v.Count)})
	}
	if r := report.Stats.TopRoaster; r != nil {
		facts = append(facts, TeamsFact{Name: "Top Roaster", Value: fmt.Sprintf("@%s (%d)", r.Handle, r.Count)})
	}
	message.Sections = append(message.Sections, TeamsSection{
		ActivityTitle: "Summary",
		Facts:         facts,
		Markdown:      true,
	})

	if len(report.Leaderboard) > 0 {
		var rows []string
		for i, p := range report.Leaderboard {
			rows = append(rows, fmt.Sprintf("%d. **@%s** - %d roasts by %d requesters", i+1, p.TargetHandle, p.RoastCount, p.UniqueRoasters))
		}
		message.Sections = append(message.Sections, TeamsSection{
			ActivityTitle: "Leaderboard",
			ActivityText:  strings.Join(rows, "\n\n"),
			Markdown:      true,
		})
	}

	return message
}

func (s *Service) buildAlertTeamsMessage(alert *models.Alert) *TeamsMessage {
	color := "0078D4"
	switch alert.Type {
	case "critical":
		color = "D13438"
	case "urgent":
		color = "FF8C00"
	}

	message := &TeamsMessage{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		ThemeColor: color,
		Title:      fmt.Sprintf("[%s] %s", strings.ToUpper(alert.Type), alert.Title),
		Text:       alert.Message,
	}

	if alert.Mention != nil {
		message.Sections = append(message.Sections, TeamsSection{
			ActivityTitle:    "@" + alert.Mention.AuthorUsername,
			ActivitySubtitle: alert.Mention.TweetID,
			ActivityText:     alert.Mention.Text,
		})
	}
	return message
}

func (s *Service) sendReportEmail(report *models.Report) error {
	subject := fmt.Sprintf("Skyeye Bot Report - %s (%d roasts)", periodTitle(report.Period), report.Stats.TotalRoasts)

	htmlBody, err := buildReportHTML(report)
	if err != nil {
		return fmt.Errorf("failed to build email HTML: %w", err)
	}

	return s.sendEmail(subject, buildReportText(report), htmlBody)
}

func (s *Service) sendAlertEmail(alert *models.Alert) error {
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(alert.Type), alert.Title)

	var text strings.Builder
	text.WriteString(alert.Message + "\n")
	if alert.Mention != nil {
		text.WriteString(fmt.Sprintf("\nMention %s by @%s:\n%s\n", alert.Mention.TweetID, alert.Mention.AuthorUsername, alert.Mention.Text))
	}
	text.WriteString(fmt.Sprintf("\nRaised at %s\n", alert.CreatedAt.Format("2006-01-02 15:04:05 UTC")))

	return s.sendEmail(subject, text.String(), "")
}

func (s *Service) sendEmail(subject, textBody, htmlBody string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.config.SMTPUsername)
	m.SetHeader("To", s.config.NotificationEmail)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", textBody)
	if htmlBody != "" {
		m.AddAlternative("text/html", htmlBody)
	}

	if err := s.send(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

var reportTemplate = template.Must(template.New("email").Funcs(template.FuncMap{
	"title": periodTitle,
	"inc":   func(i int) int { return i + 1 },
}).Parse(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Skyeye Bot Report</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        .header { background-color: #1a1a1a; color: white; padding: 20px; border-radius: 5px; }
        .summary { background-color: #f5f5f5; padding: 15px; margin: 20px 0; border-radius: 5px; }
        .row { border-left: 4px solid #d13438; padding: 10px; margin: 10px 0; background-color: #fafafa; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Skyeye Bot Report</h1>
        <p>{{title .Period}} report generated on {{.GeneratedAt.Format "January 2, 2006 at 3:04 PM UTC"}}</p>
    </div>

    <div class="summary">
        <h2>Summary</h2>
        <p><strong>Total Roasts:</strong> {{.Stats.TotalRoasts}}</p>
        <p><strong>Targets:</strong> {{.Stats.TotalTargets}}</p>
        <p><strong>Requesters:</strong> {{.Stats.TotalRequesters}}</p>
        {{with .Stats.TopVictim}}<p><strong>Top Victim:</strong> @{{.Handle}} ({{.Count}})</p>{{end}}
        {{with .Stats.TopRoaster}}<p><strong>Top Roaster:</strong> @{{.Handle}} ({{.Count}})</p>{{end}}
    </div>

    {{if .Leaderboard}}
    <h2>Leaderboard</h2>
    {{range $index, $p := .Leaderboard}}
        <div class="row">{{inc $index}}. <strong>@{{$p.TargetHandle}}</strong> - {{$p.RoastCount}} roasts by {{$p.UniqueRoasters}} requesters</div>
    {{end}}
    {{end}}

    <hr>
    <p><small>This report was generated automatically by Skyeye Bot.</small></p>
</body>
</html>
`))

func buildReportHTML(report *models.Report) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, report); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func buildReportText(report *models.Report) string {
	var text strings.Builder

	text.WriteString(fmt.Sprintf("Skyeye Bot Report - %s\n", periodTitle(report.Period)))
	text.WriteString(fmt.Sprintf("Generated: %s\n\n", report.GeneratedAt.Format("2006-01-02 15:04:05 UTC")))

	text.WriteString("SUMMARY\n")
	text.WriteString("=======\n")
	text.WriteString(fmt.Sprintf("Total Roasts: %d\n", report.Stats.TotalRoasts))
	text.WriteString(fmt.Sprintf("Targets: %d\n", report.Stats.TotalTargets))
	text.WriteString(fmt.Sprintf("Requesters: %d\n", report.Stats.TotalRequesters))
	if v := report.Stats.TopVictim; v != nil {
		text.WriteString(fmt.Sprintf("Top Victim: @%s (%d)\n", v.Handle, v.Count))
	}
	if r := report.Stats.TopRoaster; r != nil {
		text.WriteString(fmt.Sprintf("Top Roaster: @%s (%d)\n", r.Handle, r.Count))
	}

	if len(report.Leaderboard) > 0 {
		text.WriteString("\nLEADERBOARD\n")
		text.WriteString("===========\n")
		for i, p := range report.Leaderboard {
			text.WriteString(fmt.Sprintf("%d. @%s - %d roasts by %d requesters\n", i+1, p.TargetHandle, p.RoastCount, p.UniqueRoasters))
		}
	}

	text.WriteString("\n---\nThis report was generated automatically by Skyeye Bot.\n")
	return text.String()
}

// Package output delivers analysis results to chat channels.
package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"rootscope/internal/config"
	"rootscope/internal/orchestrator"
	"rootscope/internal/remediation"
)

// maxSuspects and maxHints bound the message size.
const (
	maxSuspects = 5
	maxHints    = 3
)

// SlackSender posts analysis results to a Slack incoming webhook.
type SlackSender struct {
	webhookURL string
	client     *http.Client
	rules      *remediation.Engine
	logger     *slog.Logger
}

// NewSlackSender initializes a SlackSender with a configured webhook URL and HTTP client.
func NewSlackSender(webhookURL string, timeout time.Duration, logger *slog.Logger) *SlackSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
		rules:      remediation.NewEngine(),
		logger:     logger,
	}
}

// NewSlackSenderFromConfig returns nil when no webhook is configured.
func NewSlackSenderFromConfig(cfg config.SlackOutputConfig, logger *slog.Logger) *SlackSender {
	if cfg.WebhookURL == "" {
		return nil
	}
	return NewSlackSender(cfg.WebhookURL, cfg.GetTimeoutDuration(), logger)
}

// SlackBlock represents a Slack message block
type SlackBlock struct {
	Type   string      `json:"type"`
	Text   *SlackText  `json:"text,omitempty"`
	Fields []SlackText `json:"fields,omitempty"`
}

// SlackText represents text in Slack
type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SlackMessage represents a Slack message
type SlackMessage struct {
	Text   string       `json:"text"`
	Blocks []SlackBlock `json:"blocks"`
}

// SendAnalysis posts the result of an alert-triggered analysis.
func (s *SlackSender) SendAnalysis(ctx context.Context, alert string, res *orchestrator.Result) error {
	message := s.buildMessage(alert, res)
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status: %d", resp.StatusCode)
	}
	s.logger.Debug("Posted analysis to Slack", "alert", alert, "analysis_id", res.AnalysisID)
	return nil
}

// buildMessage constructs a Block Kit payload from an analysis result.
func (s *SlackSender) buildMessage(alert string, res *orchestrator.Result) SlackMessage {
	top := "unknown"
	var score float64
	if len(res.Ranking) > 0 {
		top, score = res.Ranking[0].Service, res.Ranking[0].Score
	}

	emoji := "🔍"
	summary := "*Ranking only:* no reasoning verdict for this alert."
	confidence := "n/a"
	if res.Verdict != nil {
		summary = fmt.Sprintf("*Root cause:*\n%s", res.Verdict.RootCauseSummary)
		confidence = fmt.Sprintf("%.2f", res.Verdict.Confidence)
		if res.Verdict.Confidence >= 0.7 {
			emoji = "🚨"
		}
	}

	subject := res.TraceID
	if subject == "" {
		subject = strings.Join(res.Services, ", ")
	}

	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackText{Type: "plain_text", Text: fmt.Sprintf("%s %s: top suspect %s", emoji, alert, top)},
		},
		{
			Type: "section",
			Fields: []SlackText{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Score:*\n%.3f", score)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Confidence:*\n%s", confidence)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Scope:*\n%s", subject)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Strategy:*\n%s", res.Strategy)},
			},
		},
		{Type: "section", Text: &SlackText{Type: "mrkdwn", Text: summary}},
	}

	var ranking strings.Builder
	ranking.WriteString("*Suspects:*\n")
	for i, sc := range res.Ranking {
		if i >= maxSuspects {
			break
		}
		fmt.Fprintf(&ranking, "%d. `%s` %.3f", i+1, sc.Service, sc.Score)
		if sig, ok := sc.DominantSignal(); ok {
			fmt.Fprintf(&ranking, " (%s)", sig.Signal)
		}
		ranking.WriteString("\n")
	}
	blocks = append(blocks, SlackBlock{Type: "section", Text: &SlackText{Type: "mrkdwn", Text: ranking.String()}})

	if hints := s.rules.Suggest(res.Ranking, maxHints); len(hints) > 0 {
		blocks = append(blocks, SlackBlock{Type: "divider"})
		for _, h := range hints {
			blocks = append(blocks, SlackBlock{
				Type: "section",
				Text: &SlackText{Type: "mrkdwn", Text: fmt.Sprintf(">*%s* (%s)\n>%s\n>`%s`", h.Title, h.Service, h.Description, h.Action)},
			})
		}
	}

	blocks = append(blocks, SlackBlock{
		Type: "context",
		Fields: []SlackText{{
			Type: "mrkdwn",
			Text: fmt.Sprintf("Analyzed at: %s | ID: %s", res.StartedAt.Format(time.RFC3339), res.AnalysisID),
		}},
	})

	return SlackMessage{
		Text:   fmt.Sprintf("%s: top suspect %s", alert, top),
		Blocks: blocks,
	}
}

package signals

import (
	"context"
	"strings"
	"time"

	"rootscope/internal/models"
)

// DefaultLogKeywords mark a log line as anomalous regardless of severity.
var DefaultLogKeywords = []string{"error", "exception", "timeout", "panic", "refused", "failed"}

type logAnomaly struct {
	keywords []string
	pad      time.Duration
}

// NewLogAnomaly is the rule-based baseline signal: the share of a service's
// log lines in the incident window that are WARN or worse, or mention one of
// the keywords.
func NewLogAnomaly(keywords []string, pad time.Duration) Extractor {
	if len(keywords) == 0 {
		keywords = DefaultLogKeywords
	}
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	if pad < 0 {
		pad = 0
	}
	return &logAnomaly{keywords: lowered, pad: pad}
}

func (l *logAnomaly) Name() string { return LogAnomaly }

func (l *logAnomaly) Extract(ctx context.Context, in Input) Values {
	if len(in.Logs) == 0 {
		return Values{}
	}
	window := in.Window.Pad(l.pad)
	bounded := !in.Window.Start.IsZero()

	total := make(map[string]int)
	anomalous := make(map[string]int)
	for i, rec := range in.Logs {
		if i%1024 == 0 && ctx.Err() != nil {
			break
		}
		if bounded && !window.Contains(rec.Timestamp) {
			continue
		}
		total[rec.ServiceName]++
		if l.isAnomalous(rec) {
			anomalous[rec.ServiceName]++
		}
	}

	out := make(Values, len(total))
	for service, n := range total {
		out[service] = float64(anomalous[service]) / float64(n)
	}
	return out
}

func (l *logAnomaly) isAnomalous(rec models.LogRecord) bool {
	if rec.Level() >= models.SeverityWarn {
		return true
	}
	msg := strings.ToLower(rec.Message)
	for _, k := range l.keywords {
		if strings.Contains(msg, k) {
			return true
		}
	}
	return false
}

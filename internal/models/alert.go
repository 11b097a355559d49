package models

import (
	"sort"
	"strings"
	"time"
)

// AlertManagerPayload is the Prometheus AlertManager webhook body.
type AlertManagerPayload struct {
	Version           string            `json:"version"`
	GroupKey          string            `json:"groupKey"`
	Status            string            `json:"status"`
	Receiver          string            `json:"receiver"`
	GroupLabels       map[string]string `json:"groupLabels"`
	CommonLabels      map[string]string `json:"commonLabels"`
	CommonAnnotations map[string]string `json:"commonAnnotations"`
	ExternalURL       string            `json:"externalURL"`
	Alerts            []AlertItem       `json:"alerts"`
}

// AlertItem is a single alert from AlertManager.
type AlertItem struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
}

// IsFiring returns true if the alert is currently firing
func (a *AlertItem) IsFiring() bool {
	return a.Status == "firing"
}

// serviceLabels are checked in order when resolving the alerting service.
var serviceLabels = []string{"service_name", "service", "job"}

// Services returns the services named by the alert. A comma separated
// "services" annotation extends the single service label.
func (a *AlertItem) Services() []string {
	seen := make(map[string]struct{})
	for _, key := range serviceLabels {
		if v := strings.TrimSpace(a.Labels[key]); v != "" {
			seen[v] = struct{}{}
			break
		}
	}
	for _, v := range strings.Split(a.Annotations["services"], ",") {
		if v = strings.TrimSpace(v); v != "" {
			seen[v] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// TraceID returns the exemplar trace attached to the alert, if any.
func (a *AlertItem) TraceID() string {
	if id := a.Annotations["trace_id"]; id != "" {
		return id
	}
	return a.Labels["trace_id"]
}

// Window returns the incident window implied by the alert: lookback before
// StartsAt up to EndsAt, or now while the alert is still firing.
func (a *AlertItem) Window(lookback time.Duration, now time.Time) TimeRange {
	end := now
	if !a.EndsAt.IsZero() && a.EndsAt.Before(now) && a.EndsAt.After(a.StartsAt) {
		end = a.EndsAt
	}
	start := a.StartsAt
	if start.IsZero() || start.After(end) {
		start = end
	}
	return TimeRange{Start: start.Add(-lookback), End: end}
}

package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rootscope/internal/harness"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	configPath, logLevel, simulate = "", "", false
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestRunAndHistory(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", `
app:
  log_level: error
llm:
  provider: none
index:
  span_backend: memory
harness:
  k: 3
  poll_interval: 10ms
  observe_timeout: 2s
db:
  path: `+filepath.Join(dir, "rootscope.db")+`
`)
	suitePath := writeFile(t, dir, "suite.yaml", `
name: smoke
experiments:
  - target_service: payment-service
    fault_type: error
    magnitude: 1
    duration: 30s
  - target_service: mainframe
    fault_type: error
    magnitude: 1
    duration: 30s
`)

	out := execute(t, "run", "--config", cfgPath, "--simulate", "--suite", suitePath)
	var report harness.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Results, 1)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "mainframe", report.Failures[0].Spec.TargetService)
	assert.Equal(t, 2, report.Summary.Experiments)
	assert.Equal(t, 1.0, report.Summary.Top1Accuracy)

	out = execute(t, "run", "--config", cfgPath, "--simulate", "--suite", suitePath, "--format", "markdown")
	assert.Contains(t, out, "# Evaluation: smoke")
	assert.Contains(t, out, "- Experiments: 2 (1 failed)")

	out = execute(t, "history", "--config", cfgPath, "--since", "now-1h")
	assert.Contains(t, out, `"ground_truth": "payment-service"`)
	assert.Contains(t, out, `"experiments": 2`)
}

func TestRunRequiresSuite(t *testing.T) {
	configPath, logLevel, simulate = "", "", false
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run"})
	assert.Error(t, cmd.Execute())
}

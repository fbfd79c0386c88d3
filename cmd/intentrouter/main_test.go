package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/intentrouter/internal/config"
	"github.com/normanking/intentrouter/internal/router"
	"github.com/normanking/intentrouter/pkg/types"
)

// writeTestConfig saves a quiet default config in a temp dir and returns
// its path. mutate may adjust it before saving.
func writeTestConfig(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Logging.Console = false
	cfg.DecisionLog.Path = filepath.Join(dir, "decisions.db")
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, cfg.SaveToPath(path))
	return path
}

// run executes the CLI with args against the config at path.
func run(t *testing.T, path string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", path}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, writeTestConfig(t, nil), "version")
	require.NoError(t, err)
	assert.Equal(t, "intentrouter v"+version+"\n", out)
}

func TestRouteCommand(t *testing.T) {
	path := writeTestConfig(t, nil)

	out, err := run(t, path, "route", "what is 17 * 23")
	require.NoError(t, err)
	assert.Contains(t, out, "Model:")
	assert.Contains(t, out, "Preset:      balanced")
	assert.Contains(t, out, "Reason:")
}

func TestRouteCommand_JSON(t *testing.T) {
	path := writeTestConfig(t, nil)

	out, err := run(t, path, "route", "--json", "--tools", "calculator", "calculate 15% of 240")
	require.NoError(t, err)

	var d router.RoutingDecision
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.NotEmpty(t, d.ModelID)
	assert.NotEmpty(t, d.TierName)
	for _, id := range d.Tools {
		assert.Equal(t, types.ToolCalculator, id, "only available tools may be selected")
	}
}

func TestRouteCommand_DisabledEndpoint(t *testing.T) {
	off := false
	path := writeTestConfig(t, func(cfg *config.Config) {
		cfg.Router.PerEndpointOverrides = map[string]router.EndpointOverride{
			"voice": {Enabled: &off},
		}
	})

	out, err := run(t, path, "route", "--endpoint", "voice", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, `Routing is disabled for endpoint "voice"`)
}

func TestRouteCommand_Attachment(t *testing.T) {
	path := writeTestConfig(t, nil)
	sheet := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(sheet, []byte("region,total\nwest,10\n"), 0644))

	out, err := run(t, path, "route", "--json", "--attach", sheet, "what does this show")
	require.NoError(t, err)

	var d router.RoutingDecision
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.True(t, d.HasTool(types.ToolStructuredData), "csv attachment selects structured_data: %v", d.Tools)
}

func TestRouteCommand_MissingAttachment(t *testing.T) {
	path := writeTestConfig(t, nil)

	_, err := run(t, path, "route", "--attach", filepath.Join(t.TempDir(), "nope.pdf"), "read this")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope.pdf")
}

func TestRecordAndStats(t *testing.T) {
	path := writeTestConfig(t, nil)

	_, err := run(t, path, "route", "--record", "hi there")
	require.NoError(t, err)
	_, err = run(t, path, "route", "--record", "design a fault-tolerant distributed consensus protocol and prove its safety")
	require.NoError(t, err)

	out, err := run(t, path, "stats", "--recent", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Decisions:        2")
	assert.Contains(t, out, "By path:")
	assert.Contains(t, out, "Last 2:")
}

func TestStats_Empty(t *testing.T) {
	out, err := run(t, writeTestConfig(t, nil), "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "No decisions recorded.")
}

func TestToolsLoadCommand(t *testing.T) {
	for _, k := range []string{"SEARCH_API_KEY", "SERPER_API_KEY", "TAVILY_API_KEY", "CODE_EXECUTOR_API_KEY"} {
		t.Setenv(k, "")
	}
	path := writeTestConfig(t, nil)

	out, err := run(t, path, "tools", "load", "calculator", "web_search", "not_a_tool", "search_mcp_github")
	require.NoError(t, err)
	assert.Contains(t, out, "Loaded 1 tool(s):")
	assert.Contains(t, out, "calculator")
	assert.Contains(t, out, "credentials")
	assert.Contains(t, out, "provider")
}

func TestToolsLoadCommand_ConfigCredentials(t *testing.T) {
	for _, k := range []string{"SEARCH_API_KEY", "SERPER_API_KEY", "TAVILY_API_KEY"} {
		t.Setenv(k, "")
	}
	path := writeTestConfig(t, func(cfg *config.Config) {
		cfg.Tools.Credentials = map[string]string{"SEARCH_API_KEY": "from-config"}
	})

	out, err := run(t, path, "tools", "load", "web_search")
	require.NoError(t, err)
	assert.Contains(t, out, "Loaded 1 tool(s):")
	assert.NotContains(t, out, "Omitted")
}

func TestToolsLoadCommand_MergedContext(t *testing.T) {
	t.Setenv("CODE_EXECUTOR_API_KEY", "k")
	path := writeTestConfig(t, nil)
	doc := filepath.Join(t.TempDir(), "notes.pdf")
	require.NoError(t, os.WriteFile(doc, []byte("%PDF"), 0644))

	out, err := run(t, path, "tools", "load", "execute_code", "file_search", "--attach", doc)
	require.NoError(t, err)
	assert.Contains(t, out, "Loaded 2 tool(s):")
	assert.Contains(t, out, "Multiple tools provide files context")
}

func TestPolicyShowCommand(t *testing.T) {
	out, err := run(t, writeTestConfig(t, nil), "policy", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "Preset:        balanced")
	assert.Contains(t, out, "Tier models:")
}

func TestConfigShowCommand(t *testing.T) {
	out, err := run(t, writeTestConfig(t, nil), "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "Default Preset:   balanced")
	assert.Contains(t, out, "Classifier:       disabled")
}

func TestConfigInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	out, err := run(t, path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = run(t, path, "config", "init")
	require.Error(t, err, "existing file needs --force")

	_, err = run(t, path, "config", "init", "--force")
	require.NoError(t, err)
}

func TestInvalidConfig(t *testing.T) {
	path := writeTestConfig(t, func(cfg *config.Config) {
		cfg.Router.Preset = "platinum"
	})

	_, err := run(t, path, "route", "hello")
	require.Error(t, err)

	var cfgErr *router.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestMetricsFlag(t *testing.T) {
	path := writeTestConfig(t, nil)

	out, err := run(t, path, "--metrics", "route", "what is 2 + 2")
	require.NoError(t, err)
	assert.Contains(t, out, "intentrouter_router_")
}

func TestParseHistory(t *testing.T) {
	msgs := parseHistory([]string{"user: first", "Assistant: reply", "no role here", "tool: x"})
	require.Len(t, msgs, 4)
	assert.Equal(t, types.Message{Role: "user", Content: "first"}, msgs[0])
	assert.Equal(t, types.Message{Role: "assistant", Content: "reply"}, msgs[1])
	assert.Equal(t, types.Message{Role: "user", Content: "no role here"}, msgs[2])
	assert.Equal(t, types.Message{Role: "user", Content: "tool: x"}, msgs[3])
}

func TestAttachmentMeta(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "Report.PDF")
	require.NoError(t, os.WriteFile(file, []byte("12345"), 0644))

	meta, err := attachmentMeta(file)
	require.NoError(t, err)
	assert.Equal(t, "Report.PDF", meta.Name)
	assert.Equal(t, "pdf", meta.Extension)
	assert.Equal(t, "application/pdf", meta.MIMEType)
	assert.Equal(t, int64(5), meta.Size)

	_, err = attachmentMeta(dir)
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
server:
  api_token: secret
database:
  driver: memory
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal), false)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "requeue", cfg.Worker.RecoveryPolicy)
	assert.Equal(t, 15*time.Second, cfg.Worker.GateCheckInterval)
	assert.Equal(t, time.Minute, cfg.Worker.ReconcileInterval)
	assert.Equal(t, time.Minute, cfg.Redis.TTL)
	assert.Equal(t, "noop", cfg.AI.Provider)
	assert.Equal(t, "data/jobs", cfg.Artifacts.Root)
	assert.Equal(t, DefaultStages()[0].Name, cfg.StageNames()[0])
	for _, s := range cfg.Stages {
		if s.Kind == "llm" {
			assert.NotEmpty(t, s.LLM.Output, s.Name)
		}
	}
}

func TestParse_GatesAndEnv(t *testing.T) {
	t.Setenv("ORCH_TEST_TOKEN", "from-env")
	cfg, err := Parse([]byte(`
server:
  api_token: ${ORCH_TEST_TOKEN}
database:
  driver: memory
gates:
  script: required
  render:
    required: true
    timeout_minutes: 30
    auto_approve: true
`), true)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Server.APIToken)
	assert.True(t, cfg.Runtime.Dev)
	assert.True(t, cfg.Gates["script"].Required)
	assert.Equal(t, 30*time.Minute, cfg.Gates["render"].Timeout())
	assert.True(t, cfg.Gates["render"].AutoApprove)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing credentials", "database:\n  driver: memory\n", "api_token or server.jwt_secret"},
		{"postgres without url", "server:\n  api_token: x\n", "database.url is required"},
		{"bad driver", "server:\n  api_token: x\ndatabase:\n  driver: sqlite\n", `"sqlite" is not supported`},
		{"bad recovery policy", minimal + "worker:\n  recovery_policy: retry\n", "recovery_policy"},
		{"gate on unknown stage", minimal + "gates:\n  nope: required\n", "gates.nope: no such stage"},
		{"auto approve without timeout", minimal + "gates:\n  script:\n    auto_approve: true\n", "auto_approve needs timeout_minutes"},
		{"command stage without outputs", minimal + "stages:\n  - name: x\n    command: run.sh\n", "at least one output"},
		{"duplicate stage", minimal + "stages:\n  - {name: x, kind: llm, llm: {prompt: p}}\n  - {name: x, kind: llm, llm: {prompt: p}}\n", "duplicate stage"},
		{"unknown gate shorthand", minimal + "gates:\n  script: maybe\n", "unknown gate policy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml), false)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o600))
	cfg, err := LoadConfig(path, false)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Driver)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), false)
	assert.ErrorContains(t, err, "read config")
}

func TestParse_ReconcileCanBeDisabled(t *testing.T) {
	cfg, err := Parse([]byte(minimal+"worker:\n  reconcile_interval: -1s\n"), false)
	require.NoError(t, err)
	assert.Negative(t, cfg.Worker.ReconcileInterval)
}

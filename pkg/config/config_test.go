package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialogtree/dialog/pkg/providers"
)

const sampleConfig = `
server:
  port: 9000
logging:
  level: debug
  format: json
storage:
  driver: sqlite
  path: /tmp/dialog-test.db
tenants: [acme, globex]
models:
  - name: classifier
    provider: openai
    capabilities: [intent_classification, sentiment_analysis]
    active: true
  - name: generator
    provider: openai
    capabilities: [text_generation]
    fallbacks: [classifier]
    active: true
pipeline:
  budget: 10s
sync:
  enabled: true
  mappings:
    - object_type: contact
      direction: bidirectional
      strategy: last_write_wins
      fields:
        - local_field: name
          remote_field: FullName
          required: true
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.Budget)
	assert.Equal(t, []string{"acme", "globex"}, cfg.Tenants)

	require.Len(t, cfg.Models, 2)
	assert.Contains(t, cfg.Models[0].Capabilities, providers.CapabilityIntentClassification)
	assert.Equal(t, []string{"classifier"}, cfg.Models[1].Fallbacks)

	require.Len(t, cfg.Sync.Mappings, 1)
	assert.Equal(t, 3, cfg.Sync.Mappings[0].RetryLimit, "mapping defaults applied")
	assert.Equal(t, 5*time.Minute, cfg.Sync.Syncer.Interval)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"duplicate model":  "models:\n  - {name: a, provider: p, capabilities: [text_generation]}\n  - {name: a, provider: p, capabilities: [text_generation]}\n",
		"missing provider": "models:\n  - {name: a, capabilities: [text_generation]}\n",
		"no capabilities":  "models:\n  - {name: a, provider: p}\n",
		"unknown fallback": "models:\n  - {name: a, provider: p, capabilities: [text_generation], fallbacks: [ghost]}\n",
		"bad log format":   "logging:\n  format: xml\n",
		"bad driver":       "storage:\n  driver: oracle\n",
		"unnamed provider": "providers:\n  - {type: openai}\n",
		"bad provider type": "providers:\n" +
			"  - {name: p1, type: carrier-pigeon}\n",
		"duplicate provider": "providers:\n" +
			"  - {name: p1, type: openai}\n" +
			"  - {name: p1, type: openai}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("DIALOG_TEST_PORT", "7777")
	t.Setenv("DIALOG_TEST_HOST", "example.internal")

	cfg, err := Load([]byte("server:\n  host: ${DIALOG_TEST_HOST}\n  port: ${DIALOG_TEST_PORT}\n"))
	require.NoError(t, err)
	assert.Equal(t, "example.internal", cfg.Server.Host)
	assert.Equal(t, 7777, cfg.Server.Port)
}

func TestEnvExpansionDefaults(t *testing.T) {
	os.Unsetenv("DIALOG_TEST_MISSING")
	cfg, err := Load([]byte("server:\n  host: ${DIALOG_TEST_MISSING:-fallback.host}\n"))
	require.NoError(t, err)
	assert.Equal(t, "fallback.host", cfg.Server.Host)
}

func TestExpandEnvVarsInDataRetypes(t *testing.T) {
	t.Setenv("DIALOG_TEST_FLAG", "true")
	out := ExpandEnvVarsInData(map[string]any{"flag": "${DIALOG_TEST_FLAG}", "plain": "text"})
	m := out.(map[string]any)
	assert.Equal(t, true, m["flag"])
	assert.Equal(t, "text", m["plain"])
}

func TestFileWatcherSignalsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dialog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 1\n"), 0o644))

	w, err := NewFileWatcher(path)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := w.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 2\n"), 0o644))

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no change signal received")
	}
}

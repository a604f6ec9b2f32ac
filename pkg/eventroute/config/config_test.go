package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NilMap(t *testing.T) {
	cfg := New(nil)
	assert.NotNil(t, cfg.Raw())
	assert.False(t, cfg.Has("x"))
}

func TestString(t *testing.T) {
	cfg := New(map[string]any{"name": "ingestion", "port": 8080, "ratio": 0.5, "on": true, "list": []any{}})

	assert.Equal(t, "ingestion", cfg.String("name", ""))
	assert.Equal(t, "8080", cfg.String("port", ""))
	assert.Equal(t, "0.5", cfg.String("ratio", ""))
	assert.Equal(t, "true", cfg.String("on", ""))
	assert.Equal(t, "dflt", cfg.String("list", "dflt"))
	assert.Equal(t, "dflt", cfg.String("missing", "dflt"))
}

func TestDuration(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  time.Duration
	}{
		{"string", "30s", 30 * time.Second},
		{"compound string", "1h30m", 90 * time.Minute},
		{"int seconds", 5, 5 * time.Second},
		{"int64 seconds", int64(2), 2 * time.Second},
		{"float seconds", 1.5, 1500 * time.Millisecond},
		{"duration", 3 * time.Millisecond, 3 * time.Millisecond},
		{"invalid string", "soon", time.Minute},
		{"wrong type", true, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New(map[string]any{"d": tt.value})
			assert.Equal(t, tt.want, cfg.Duration("d", time.Minute))
		})
	}
}

func TestNumbers(t *testing.T) {
	cfg := New(map[string]any{"i": 3, "f": 3.0, "frac": 3.5, "i64": int64(1 << 40), "s": "7"})

	assert.Equal(t, 3, cfg.Int("i", 0))
	assert.Equal(t, 3, cfg.Int("f", 0))
	assert.Equal(t, 9, cfg.Int("frac", 9), "fractional floats keep the default")
	assert.Equal(t, int64(1<<40), cfg.Int64("i64", 0))
	assert.Equal(t, 9, cfg.Int("s", 9))

	assert.Equal(t, 3.5, cfg.Float("frac", 0))
	assert.Equal(t, 3.0, cfg.Float("i", 0))
	assert.Equal(t, 1.0, cfg.Float("s", 1))
}

func TestBool(t *testing.T) {
	cfg := New(map[string]any{"on": true, "str": "true"})
	assert.True(t, cfg.Bool("on", false))
	assert.False(t, cfg.Bool("str", false))
	assert.True(t, cfg.Bool("missing", true))
}

func TestStringSlice(t *testing.T) {
	cfg := New(map[string]any{
		"typed":  []string{"a", "b"},
		"any":    []any{"a", "b"},
		"mixed":  []any{"a", 1},
		"single": "a",
	})
	assert.Equal(t, []string{"a", "b"}, cfg.StringSlice("typed", nil))
	assert.Equal(t, []string{"a", "b"}, cfg.StringSlice("any", nil))
	assert.Equal(t, []string{"x"}, cfg.StringSlice("mixed", []string{"x"}))
	assert.Equal(t, []string{"a"}, cfg.StringSlice("single", nil))
}

func TestSections(t *testing.T) {
	cfg := New(map[string]any{
		"router":   map[string]any{"max_in_flight": 8},
		"legacy":   map[any]any{"k": "v"},
		"channels": []any{map[string]any{"id": "a"}, "skip", map[string]any{"id": "b"}},
	})

	assert.Equal(t, 8, cfg.Section("router").Int("max_in_flight", 0))
	assert.Equal(t, "v", cfg.Section("legacy").String("k", ""))
	assert.False(t, cfg.Section("missing").Has("anything"))

	channels := cfg.Sections("channels")
	require.Len(t, channels, 2)
	assert.Equal(t, "b", channels[1].String("id", ""))
	assert.Nil(t, cfg.Sections("router"))
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("EVENTROUTE_TEST_PATH", "/var/lib/events.db")

	yamlPath := filepath.Join(dir, "router.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("archive:\n  driver: sqlite\n  path: ${EVENTROUTE_TEST_PATH}\n"), 0o600))
	cfg, err := FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/events.db", cfg.Section("archive").String("path", ""))

	jsonPath := filepath.Join(dir, "router.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"router": {"max_in_flight": 4}}`), 0o600))
	cfg, err = FromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Section("router").Int("max_in_flight", 0))

	_, err = FromFile(filepath.Join(dir, "router.toml"))
	assert.Error(t, err)

	badPath := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(badPath, []byte("x"), 0o600))
	_, err = FromFile(badPath)
	assert.ErrorContains(t, err, "unsupported config file extension")
}

func TestFromYAML_Invalid(t *testing.T) {
	_, err := FromYAML([]byte("a: [unclosed"))
	assert.ErrorContains(t, err, "parse yaml")

	_, err = FromJSON([]byte("{"))
	assert.ErrorContains(t, err, "parse json")
}

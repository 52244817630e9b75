package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDoc() []byte {
	return []byte(`
processes:
  - name: web
    command: /bin/web
  - name: worker
    command: /bin/worker
    depends_on: [web]
`)
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(validDoc(), FormatYAML)
	require.NoError(t, err)
	require.Len(t, cfg.Processes, 2)
	assert.Equal(t, 3, cfg.Processes[0].MaxRestarts, "default max_restarts applied")
	assert.Equal(t, 1000, cfg.Processes[0].RestartDelayMS, "default restart_delay_ms applied")
}

func TestLoadExplicitZeroMaxRestartsStaysUncapped(t *testing.T) {
	doc := []byte(`
processes:
  - name: web
    command: /bin/web
    max_restarts: 0
`)
	cfg, err := Load(doc, FormatYAML)
	require.NoError(t, err)
	require.Len(t, cfg.Processes, 1)
	assert.Equal(t, 0, cfg.Processes[0].MaxRestarts, "explicit max_restarts: 0 must survive as uncapped, not default to 3")

	jsonDoc := []byte(`{"processes":[{"name":"web","command":"/bin/web","max_restarts":0}]}`)
	cfg, err = Load(jsonDoc, FormatJSON)
	require.NoError(t, err)
	require.Len(t, cfg.Processes, 1)
	assert.Equal(t, 0, cfg.Processes[0].MaxRestarts, "same via JSON")
}

func TestValidateNameRules(t *testing.T) {
	t.Run("empty name rejected", func(t *testing.T) {
		cfg := &GlobalConfig{Processes: []ProcessConfig{{Name: "", Command: "x"}}}
		err := Validate(cfg)
		require.Error(t, err)
	})

	t.Run("name with illegal characters rejected", func(t *testing.T) {
		cfg := &GlobalConfig{Processes: []ProcessConfig{{Name: "a b", Command: "x"}}}
		err := Validate(cfg)
		require.Error(t, err)
	})

	t.Run("duplicate name rejected", func(t *testing.T) {
		cfg := &GlobalConfig{Processes: []ProcessConfig{
			{Name: "a", Command: "x"},
			{Name: "a", Command: "y"},
		}}
		err := Validate(cfg)
		require.Error(t, err)
	})

	t.Run("empty command rejected", func(t *testing.T) {
		cfg := &GlobalConfig{Processes: []ProcessConfig{{Name: "a", Command: ""}}}
		err := Validate(cfg)
		require.Error(t, err)
	})
}

func TestValidateNumericBounds(t *testing.T) {
	t.Run("negative max_restarts rejected", func(t *testing.T) {
		cfg := &GlobalConfig{Processes: []ProcessConfig{{Name: "a", Command: "x", MaxRestarts: -1}}}
		require.Error(t, Validate(cfg))
	})

	t.Run("negative restart_delay_ms rejected", func(t *testing.T) {
		cfg := &GlobalConfig{Processes: []ProcessConfig{{Name: "a", Command: "x", RestartDelayMS: -1}}}
		require.Error(t, Validate(cfg))
	})

	t.Run("health_check requires positive interval and timeout", func(t *testing.T) {
		cfg := &GlobalConfig{Processes: []ProcessConfig{{
			Name: "a", Command: "x",
			HealthCheck: &HealthCheckConfig{Command: "probe", IntervalMS: 0, TimeoutMS: 1000},
		}}}
		require.Error(t, Validate(cfg))
	})

	t.Run("health_check with negative retries rejected", func(t *testing.T) {
		cfg := &GlobalConfig{Processes: []ProcessConfig{{
			Name: "a", Command: "x",
			HealthCheck: &HealthCheckConfig{Command: "probe", IntervalMS: 1000, TimeoutMS: 500, Retries: -1},
		}}}
		require.Error(t, Validate(cfg))
	})
}

func TestValidateDependsOn(t *testing.T) {
	t.Run("unknown dependency rejected", func(t *testing.T) {
		cfg := &GlobalConfig{Processes: []ProcessConfig{
			{Name: "a", Command: "x", DependsOn: []string{"ghost"}},
		}}
		err := Validate(cfg)
		require.Error(t, err)
	})

	t.Run("direct cycle rejected", func(t *testing.T) {
		cfg := &GlobalConfig{Processes: []ProcessConfig{
			{Name: "a", Command: "x", DependsOn: []string{"b"}},
			{Name: "b", Command: "y", DependsOn: []string{"a"}},
		}}
		err := Validate(cfg)
		require.Error(t, err)
	})

	t.Run("self-dependency rejected", func(t *testing.T) {
		cfg := &GlobalConfig{Processes: []ProcessConfig{
			{Name: "a", Command: "x", DependsOn: []string{"a"}},
		}}
		err := Validate(cfg)
		require.Error(t, err)
	})

	t.Run("diamond dependency is valid", func(t *testing.T) {
		cfg := &GlobalConfig{Processes: []ProcessConfig{
			{Name: "a", Command: "x"},
			{Name: "b", Command: "x", DependsOn: []string{"a"}},
			{Name: "c", Command: "x", DependsOn: []string{"a"}},
			{Name: "d", Command: "x", DependsOn: []string{"b", "c"}},
		}}
		require.NoError(t, Validate(cfg))
	})
}

func TestEqual(t *testing.T) {
	a, err := Load(validDoc(), FormatYAML)
	require.NoError(t, err)
	b, err := Load(validDoc(), FormatYAML)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))

	c := &GlobalConfig{Processes: []ProcessConfig{{Name: "different", Command: "x"}}}
	assert.False(t, a.Equal(c))
}

func TestExpandEnv(t *testing.T) {
	t.Run("global_env takes precedence over OS env", func(t *testing.T) {
		os.Setenv("SENTINEL_TEST_VAR", "from-os")
		defer os.Unsetenv("SENTINEL_TEST_VAR")

		cfg := &GlobalConfig{
			GlobalEnv: map[string]string{"SENTINEL_TEST_VAR": "from-global"},
			Processes: []ProcessConfig{{
				Name: "a", Command: "x",
				Env: map[string]string{"RESOLVED": "${SENTINEL_TEST_VAR}"},
			}},
		}
		require.NoError(t, expandEnv(cfg))
		assert.Equal(t, "from-global", cfg.Processes[0].Env["RESOLVED"])
	})

	t.Run("falls back to OS env when not in global_env", func(t *testing.T) {
		os.Setenv("SENTINEL_TEST_VAR2", "os-value")
		defer os.Unsetenv("SENTINEL_TEST_VAR2")

		cfg := &GlobalConfig{
			Processes: []ProcessConfig{{
				Name: "a", Command: "x",
				Env: map[string]string{"RESOLVED": "${SENTINEL_TEST_VAR2}"},
			}},
		}
		require.NoError(t, expandEnv(cfg))
		assert.Equal(t, "os-value", cfg.Processes[0].Env["RESOLVED"])
	})

	t.Run("unresolved reference is an error", func(t *testing.T) {
		cfg := &GlobalConfig{
			Processes: []ProcessConfig{{
				Name: "a", Command: "x",
				Env: map[string]string{"RESOLVED": "${SENTINEL_DOES_NOT_EXIST}"},
			}},
		}
		err := expandEnv(cfg)
		require.Error(t, err)
	})
}

func TestResolvedEnv(t *testing.T) {
	p := &ProcessConfig{
		Name: "a",
		Env:  map[string]string{"K": "entry"},
	}
	merged := p.ResolvedEnv(map[string]string{"K": "global", "G": "global-only"})

	var k, g string
	for _, kv := range merged {
		switch {
		case len(kv) > 2 && kv[:2] == "K=":
			k = kv[2:]
		case len(kv) > 2 && kv[:2] == "G=":
			g = kv[2:]
		}
	}
	assert.Equal(t, "entry", k, "entry env wins over global_env")
	assert.Equal(t, "global-only", g)
}

func TestFormatFromExtension(t *testing.T) {
	t.Run("yaml extensions", func(t *testing.T) {
		f, err := FormatFromExtension("sentinel.yaml")
		require.NoError(t, err)
		assert.Equal(t, FormatYAML, f)

		f, err = FormatFromExtension("sentinel.yml")
		require.NoError(t, err)
		assert.Equal(t, FormatYAML, f)
	})

	t.Run("json extension", func(t *testing.T) {
		f, err := FormatFromExtension("sentinel.json")
		require.NoError(t, err)
		assert.Equal(t, FormatJSON, f)
	})

	t.Run("unknown extension is an error", func(t *testing.T) {
		_, err := FormatFromExtension("sentinel.txt")
		require.Error(t, err)
	})
}

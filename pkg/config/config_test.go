package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/beacon/pkg/errors"
)

const testYAML = `
server:
  addr: ":6001"
  shutdown_timeout: 5s
apps:
  - id: "1234"
    key: TestKey
    secret: TestSecret
    enable_client_messages: true
`

type testApp struct {
	ID                   string `mapstructure:"id"`
	Key                  string `mapstructure:"key"`
	Secret               string `mapstructure:"secret"`
	EnableClientMessages bool   `mapstructure:"enable_client_messages"`
}

func writeTestConfig(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir(), "beacon.yaml", testYAML)

	c := New(WithConfigFile(cfgPath))
	require.NoError(t, c.Load())

	assert.Equal(t, ":6001", c.GetString("server.addr"))
	assert.Equal(t, 5*time.Second, c.GetDuration("server.shutdown_timeout"))
	assert.Equal(t, cfgPath, c.ConfigFileUsed())
}

func TestLoadWithNameAndPaths(t *testing.T) {
	dir := t.TempDir()
	writeTestConfig(t, dir, "beacon.yaml", testYAML)

	c := New(WithConfigName("beacon"), WithConfigType("yaml"), WithConfigPaths(dir))
	require.NoError(t, c.Load())
	assert.True(t, c.IsSet("apps"))
}

func TestUnmarshalKey(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir(), "beacon.yaml", testYAML)
	c := New(WithConfigFile(cfgPath))
	require.NoError(t, c.Load())

	var apps []testApp
	require.NoError(t, c.UnmarshalKey("apps", &apps))
	require.Len(t, apps, 1)
	assert.Equal(t, "1234", apps[0].ID)
	assert.True(t, apps[0].EnableClientMessages)
}

func TestWithDefaults(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir(), "beacon.yaml", testYAML)
	c := New(
		WithConfigFile(cfgPath),
		WithDefaults(map[string]any{
			"server.addr":          ":9999",
			"statistics.interval": "60s",
		}),
	)
	require.NoError(t, c.Load())

	assert.Equal(t, ":6001", c.GetString("server.addr"), "文件值优先于默认值")
	assert.Equal(t, time.Minute, c.GetDuration("statistics.interval"))
}

func TestWithEnvPrefix(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir(), "beacon.yaml", testYAML)
	t.Setenv("BEACON_SERVER_ADDR", ":7000")

	c := New(
		WithConfigFile(cfgPath),
		WithEnvPrefix("BEACON"),
		WithEnvKeyReplacer(strings.NewReplacer(".", "_")),
	)
	require.NoError(t, c.Load())
	assert.Equal(t, ":7000", c.GetString("server.addr"))
}

func TestConfigFileNotFound(t *testing.T) {
	c := New(WithConfigName("nonexistent"), WithConfigType("yaml"), WithConfigPaths(t.TempDir()))
	err := c.Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigNotFound))

	c = New(WithConfigFile("/nonexistent/path/beacon.yaml"))
	assert.Error(t, c.Load())
}

func TestOnChangeReloads(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir(), "beacon.yaml", testYAML)

	changed := make(chan string, 4)
	c := New(
		WithConfigFile(cfgPath),
		WithAutoWatch(true),
		WithDebounce(20*time.Millisecond),
		WithOnChange(func(c *Config) {
			var apps []testApp
			if err := c.UnmarshalKey("apps", &apps); err == nil && len(apps) > 0 {
				changed <- apps[0].Secret
			}
		}),
	)
	require.NoError(t, c.Load())
	defer c.Close()
	assert.True(t, c.IsWatching())

	updated := strings.Replace(testYAML, "TestSecret", "RotatedSecret", 1)
	require.NoError(t, os.WriteFile(cfgPath, []byte(updated), 0644))

	select {
	case secret := <-changed:
		assert.Equal(t, "RotatedSecret", secret)
	case <-time.After(3 * time.Second):
		t.Fatal("onChange callback was not triggered within timeout")
	}
}

func TestStartStopWatch(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir(), "beacon.yaml", testYAML)
	c := New(WithConfigFile(cfgPath))
	require.NoError(t, c.Load())

	assert.False(t, c.IsWatching())
	c.StartWatch()
	c.StartWatch()
	assert.True(t, c.IsWatching())
	c.StopWatch()
	assert.False(t, c.IsWatching())
}

func TestConcurrentAccess(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir(), "beacon.yaml", testYAML)
	c := New(WithConfigFile(cfgPath))
	require.NoError(t, c.Load())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.GetString("server.addr")
		}()
		go func(i int) {
			defer wg.Done()
			c.Set("runtime.counter", i)
		}(i)
	}
	wg.Wait()
	assert.True(t, c.IsSet("runtime.counter"))
}

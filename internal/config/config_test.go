package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func writeConfigFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("couldn't write config fixture: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		description   string
		contents      string
		expected      *Config
		expectedError bool
	}{
		{
			description: "parse mock hal configuration",
			contents: `hal: mock
debugMode: true
`,
			expected: &Config{
				HAL: HALMock,
				Scheduler: SchedulerConfig{
					MaxQueueDepth:  256,
					DefaultTimeout: 30 * time.Second,
				},
				Server:    ServerConfig{ListenAddress: ":8790"},
				DebugMode: true,
			},
		},
		{
			description: "parse full configuration",
			contents: `hal: neural-engine
deviceDenyList:
  - broken-device
scheduler:
  maxQueueDepth: 16
  defaultTimeout: 5s
server:
  listenAddress: "127.0.0.1:9000"
`,
			expected: &Config{
				HAL:            HALNeuralEngine,
				DeviceDenyList: []string{"broken-device"},
				Scheduler: SchedulerConfig{
					MaxQueueDepth:  16,
					DefaultTimeout: 5 * time.Second,
				},
				Server: ServerConfig{ListenAddress: "127.0.0.1:9000"},
			},
		},
		{
			description:   "reject unknown hal",
			contents:      "hal: quantum\n",
			expectedError: true,
		},
		{
			description:   "reject malformed yaml",
			contents:      "hal: [unclosed\n",
			expectedError: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			path := writeConfigFile(t, t.TempDir(), "config.yaml", tc.contents)
			actual, err := Load(path)
			if tc.expectedError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, actual)
		})
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	conf, err := Load("")
	assert.NoError(t, err)
	assert.Equal(t, getDefaultConfig(), conf)

	conf, err = Load("/does/not/exist.yaml")
	assert.NoError(t, err)
	assert.Equal(t, getDefaultConfig(), conf)
}

func TestGetMergedConfigWithWatcher(t *testing.T) {
	dir := t.TempDir()
	globalPath := writeConfigFile(t, dir, "global.yaml", `hal: mock
scheduler:
  maxQueueDepth: 32
`)
	localPath := writeConfigFile(t, dir, "local.yaml", `scheduler:
  maxQueueDepth: 8
debugMode: true
`)

	conf, err := GetMergedConfigWithWatcher(nil, globalPath, localPath)
	assert.NoError(t, err)
	assert.Equal(t, HALMock, conf.HAL)
	// local value wins over the global one
	assert.Equal(t, 8, conf.Scheduler.MaxQueueDepth)
	assert.True(t, conf.DebugMode)
}

func TestDenyList(t *testing.T) {
	conf := &Config{DeviceDenyList: []string{"a", "b"}}
	denied := conf.DenyList()
	assert.Len(t, denied, 2)
	assert.Equal(t, "a", denied[0].String())
}

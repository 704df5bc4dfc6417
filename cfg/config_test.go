package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Configuration {
	c := Default()
	c.Store.Backend = StoreMemory
	c.Source.Topics = []string{"/data/ChangeEvents"}
	c.Source.InstanceURL = "https://example.my.salesforce.com"
	c.Source.AccessToken = "token"
	return c
}

func envFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(c *Configuration)
		errorContains string
	}{
		{
			name:          "no topics",
			mutate:        func(c *Configuration) { c.Source.Topics = nil },
			errorContains: "topic",
		},
		{
			name: "no credentials",
			mutate: func(c *Configuration) {
				c.Source.InstanceURL = ""
				c.Source.AccessToken = ""
			},
			errorContains: "source requires",
		},
		{
			name:          "instance url without token",
			mutate:        func(c *Configuration) { c.Source.AccessToken = "" },
			errorContains: "source requires",
		},
		{
			name:          "bad replay id",
			mutate:        func(c *Configuration) { c.Source.ReplayID = "latest" },
			errorContains: "invalid replay id",
		},
		{
			name:          "bad role",
			mutate:        func(c *Configuration) { c.Role = "frontend" },
			errorContains: "invalid role",
		},
		{
			name:          "split role on local store",
			mutate:        func(c *Configuration) { c.Role = RoleWeb },
			errorContains: "shared store",
		},
		{
			name: "nats without url",
			mutate: func(c *Configuration) {
				c.Store.Backend = StoreNATS
				c.Store.NatsURL = ""
			},
			errorContains: "nats_url",
		},
		{
			name:          "bad port",
			mutate:        func(c *Configuration) { c.Relay.Port = 70000 },
			errorContains: "invalid relay port",
		},
		{
			name:          "zero recent capacity",
			mutate:        func(c *Configuration) { c.Bus.RecentCapacity = 0 },
			errorContains: "recent capacity",
		},
		{
			name:          "zero heartbeat",
			mutate:        func(c *Configuration) { c.Status.HeartbeatSeconds = 0 },
			errorContains: "heartbeat",
		},
		{
			name: "duplicate mirrors",
			mutate: func(c *Configuration) {
				c.Mirrors = []MirrorConfiguration{{Name: "a", Type: "kafka"}, {Name: "a", Type: "nats"}}
			},
			errorContains: "duplicate mirror",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorContains)
		})
	}
}

func TestValidate_WebRoleNeedsNoSource(t *testing.T) {
	c := Default()
	c.Role = RoleWeb
	c.Store.Backend = StoreNATS
	c.Store.NatsURL = "nats://127.0.0.1:4222"
	require.NoError(t, c.Validate())
}

func TestApplyEnv(t *testing.T) {
	c := Default()
	err := ApplyEnv(c, envFrom(map[string]string{
		"SALESFORCE_USERNAME":            "mars@example.com",
		"SALESFORCE_PASSWORD":            "xxxxx",
		"SALESFORCE_LOGIN_URL":           "https://test.salesforce.com",
		"OBSERVE_SALESFORCE_TOPIC_NAMES": "/data/ChangeEvents, /topic/Orders\n/event/Ping__e",
		"REPLAY_ID":                      "-2",
		"PORT":                           "5000",
		"VERBOSE":                        "true",
		"FORCE_API_VERSION":              "58.0",
	}))
	require.NoError(t, err)

	assert.Equal(t, "mars@example.com", c.Source.Username)
	assert.Equal(t, "xxxxx", c.Source.Password)
	assert.Equal(t, "https://test.salesforce.com", c.Source.LoginURL)
	assert.Equal(t, []string{"/data/ChangeEvents", "/topic/Orders", "/event/Ping__e"}, c.Source.Topics)
	assert.Equal(t, 5000, c.Relay.Port)
	assert.True(t, c.Logging.Verbose)
	assert.Equal(t, "58.0", c.Source.APIVersion)

	id, ok, err := c.Source.ReplayOverride()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(-2), id)
}

func TestApplyEnv_InvalidPort(t *testing.T) {
	err := ApplyEnv(Default(), envFrom(map[string]string{"PORT": "http"}))
	assert.Error(t, err)
}

func TestReplayOverride_Absent(t *testing.T) {
	_, ok, err := SourceConfiguration{}.ReplayOverride()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSplitTopics(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitTopics("  a,,b  "))
	assert.Empty(t, SplitTopics("   "))
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()
	Config = Default()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
instance_id = "relay-1"
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[source]
instance_url = "https://example.my.salesforce.com"
access_token = "abc"
topics = ["/data/AccountChangeEvent"]

[bus]
recent_capacity = 50

[[mirrors]]
name = "audit"
type = "kafka"
brokers = ["localhost:9092"]
filter_entities = ["Account*"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	require.NoError(t, Load(path))
	assert.Equal(t, "relay-1", Config.InstanceID)
	assert.Equal(t, 50, Config.Bus.RecentCapacity)
	assert.Equal(t, []string{"/data/AccountChangeEvent"}, Config.Source.Topics)
	require.Len(t, Config.Mirrors, 1)
	assert.Equal(t, []string{"Account*"}, Config.Mirrors[0].FilterEntities)
	assert.DirExists(t, filepath.Join(dir, "data"))
}

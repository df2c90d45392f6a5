package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bookmeta/internal/extract"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 30*time.Second, cfg.LookupTimeout())
	require.Equal(t, 100*time.Millisecond, cfg.Stagger())
	require.Equal(t, 200*time.Millisecond, cfg.PollInterval())
	require.False(t, cfg.Lookup.InterruptOnAbort)
	require.Equal(t, 2, cfg.Discovery.MaxResults)
	require.True(t, cfg.HTTP.RespectRobots)

	profile, err := cfg.Profile()
	require.NoError(t, err)
	require.Equal(t, extract.Saxo(), profile)

	code, ok := cfg.LanguageMap().Lookup("Dansk")
	require.True(t, ok)
	require.Equal(t, "dan", code)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: true
  level: debug
lookup:
  timeout_seconds: 12
  stagger_ms: 50
  poll_interval_ms: 100
  interrupt_on_abort: true
discovery:
  enabled: true
  max_results: 3
http:
  user_agent: test-agent
  respect_robots: false
rate_limit:
  default_rps: 5
  hosts:
    - host: WWW.Saxo.com
      rps: 1.5
site: arkiv
sites:
  arkiv:
    base_url: https://arkiv.example
    search_url: https://arkiv.example/find?isbn={isbn}
    payload_selector: script[type="application/ld+json"]
    payload_types: [Book]
    author_selector: .author
languages:
  swe: [Swedish, Svenska]
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 12*time.Second, cfg.LookupTimeout())
	require.Equal(t, 50*time.Millisecond, cfg.Stagger())
	require.True(t, cfg.Lookup.InterruptOnAbort)
	require.True(t, cfg.Discovery.Enabled)
	require.Equal(t, 3, cfg.Discovery.MaxResults)
	require.Equal(t, "test-agent", cfg.HTTP.UserAgent)
	require.False(t, cfg.HTTP.RespectRobots)
	require.Equal(t, map[string]float64{"www.saxo.com": 1.5}, cfg.HostRPS())

	profile, err := cfg.Profile()
	require.NoError(t, err)
	require.Equal(t, "arkiv", profile.Name)
	require.Equal(t, "https://arkiv.example/find?isbn=978", profile.DirectURL("978"))
	require.Equal(t, []string{"Book"}, profile.PayloadTypes)

	code, ok := cfg.LanguageMap().Lookup("svenska")
	require.True(t, ok)
	require.Equal(t, "swe", code)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BOOKMETA_SERVER_PORT", "7070")
	t.Setenv("BOOKMETA_LOOKUP_INTERRUPT_ON_ABORT", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.True(t, cfg.Lookup.InterruptOnAbort)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.Server.Port = 0
	bad.Auth = AuthConfig{Enabled: true}
	bad.Lookup.PollIntervalMs = 0
	bad.Discovery = DiscoveryConfig{Enabled: true, SearchURL: "https://search.example/"}
	bad.RateLimit.Hosts = []HostLimit{{RPS: 1}}
	bad.Site = "unknown-shop"

	err = bad.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"server.port",
		"auth.api_key",
		"lookup.poll_interval_ms",
		"discovery.search_url",
		"rate_limit.hosts[0].host",
		`site "unknown-shop"`,
	} {
		require.ErrorContains(t, err, want)
	}
}

package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/groupd/internal/config"
	"github.com/dokzlo13/groupd/internal/group"
	"github.com/dokzlo13/groupd/internal/ledger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
database:
  dsn: %s
registry:
  kind: memory
  memory:
    devices:
      - id: lamp-1
        class: light
        values: {onoff: true, dim: 0.25}
      - id: lamp-2
        class: light
        values: {onoff: false, dim: 0.75}
defaults:
  member_debounce: 20ms
api:
  enabled: false
shutdown_timeout: 2s
`, filepath.Join(dir, "groupd.sqlite"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestAppRestoresGroupsAcrossRestarts(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	g, err := a.services.Groups.Create(ctx, group.CreateRequest{
		Name:         "Hall",
		Capabilities: []string{"onoff", "dim"},
		Devices:      []string{"lamp-1", "lamp-2"},
	})
	require.NoError(t, err)
	id := g.ID()

	require.Eventually(t, func() bool {
		v, _, err := a.services.Values.Get(ctx, id)
		return err == nil && v["dim"] == 0.5
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		entries, err := a.services.Ledger.GetBySource(ctx, id, 10)
		return err == nil && len(entries) == 1 && entries[0].EventType == ledger.EventGroupCreated
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Stop())

	restarted, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, restarted.Start(ctx))
	defer restarted.Stop()

	got, err := restarted.services.Groups.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "Hall", got.Record().Name)
	assert.Equal(t, "light", got.Record().Class)
	assert.Equal(t, 0.5, got.Values()["dim"])
	assert.Empty(t, restarted.services.Groups.Failed())
}

func TestAppRecordsInitFailure(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := New(cfg)
	require.NoError(t, err)

	// Stored record with an unknown method cannot be initialized
	require.NoError(t, a.services.Records.Set(ctx, "broken", group.Record{
		ID:           "broken",
		Name:         "Broken",
		Capabilities: []string{"onoff"},
		Version:      group.CurrentVersion,
		Devices:      []string{"lamp-1"},
		Supported:    map[string][]string{"onoff": {"lamp-1"}},
		Settings:     group.Settings{Methods: map[string]string{"onoff": "loudest"}},
	}))

	require.NoError(t, a.Start(ctx))
	defer a.Stop()

	assert.Contains(t, a.services.Groups.Failed(), "broken")
	require.Eventually(t, func() bool {
		entries, err := a.services.Ledger.GetByType(ctx, ledger.EventGroupInitFailed, 10)
		return err == nil && len(entries) == 1 && entries[0].Source == "broken"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAppResetState(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := New(cfg)
	require.NoError(t, err)
	defer a.Stop()

	require.NoError(t, a.services.Records.Set(ctx, "g", group.Record{ID: "g"}))
	require.NoError(t, a.ResetState(ctx))

	all, _, err := a.services.Records.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings(config.DefaultsConfig{
		GroupDebounce:  config.Duration(50 * time.Millisecond),
		MemberDebounce: config.Duration(250 * time.Millisecond),
		Stagger:        config.Duration(time.Second),
		WriteRetries:   3,
		LogLevel:       "debug",
	})
	assert.Equal(t, group.Settings{
		GroupDebounceMs:  50,
		MemberDebounceMs: 250,
		StaggerMs:        1000,
		WriteRetries:     3,
		LogLevel:         "debug",
	}, s)
}

package tasks

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	t.Run("默认值", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(""))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
		assert.Equal(t, "default", cfg.DefaultExecutorActionEvent)
		assert.False(t, cfg.ValidateVoterMembership)
	})

	t.Run("覆盖部分字段", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(`
gql_task_create_perms: ["p1", "p2"]
default_executor_event: approve
validate_voter_membership: true
lock_wait_timeout: 2s
principals:
  admin: ["p1"]
entity_tables:
  product: products
`))
		require.NoError(t, err)
		assert.Equal(t, []string{"p1", "p2"}, cfg.TaskCreatePerms)
		assert.Equal(t, []string{"191001"}, cfg.TaskSearchPerms)
		assert.Equal(t, "approve", cfg.DefaultExecutorActionEvent)
		assert.True(t, cfg.ValidateVoterMembership)
		assert.Equal(t, 2*time.Second, cfg.LockWaitTimeout)
		assert.Equal(t, time.Minute, cfg.LockMaxDuration)
		assert.Equal(t, map[string][]string{"admin": {"p1"}}, cfg.Principals)
		assert.Equal(t, map[string]string{"product": "products"}, cfg.EntityTables)
	})

	t.Run("非法配置", func(t *testing.T) {
		_, err := ParseConfig([]byte(`default_executor_event: ""`))
		assert.ErrorIs(t, err, ErrValidation)

		_, err = ParseConfig([]byte(`lock_max_duration: 0s`))
		assert.ErrorIs(t, err, ErrValidation)

		_, err = ParseConfig([]byte(`lock_max_duration: [1`))
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_executor_event: custom\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.DefaultExecutorActionEvent)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

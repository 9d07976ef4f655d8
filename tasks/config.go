package tasks

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config 任务管理的配置, 构造服务时传入, 运行时不修改
type Config struct {
	TaskGroupSearchPerms []string `yaml:"gql_task_group_search_perms" validate:"required"`
	TaskGroupCreatePerms []string `yaml:"gql_task_group_create_perms" validate:"required"`
	TaskGroupUpdatePerms []string `yaml:"gql_task_group_update_perms" validate:"required"`
	TaskGroupDeletePerms []string `yaml:"gql_task_group_delete_perms" validate:"required"`
	TaskSearchPerms      []string `yaml:"gql_task_search_perms" validate:"required"`
	TaskCreatePerms      []string `yaml:"gql_task_create_perms" validate:"required"`
	TaskUpdatePerms      []string `yaml:"gql_task_update_perms" validate:"required"`
	TaskDeletePerms      []string `yaml:"gql_task_delete_perms" validate:"required"`

	// DefaultExecutorActionEvent 按任务组completion_policy处理投票的executor_action_event
	DefaultExecutorActionEvent string `yaml:"default_executor_event" validate:"required"`
	// ValidateVoterMembership 为true时, 投票人必须是任务组的有效成员
	ValidateVoterMembership bool `yaml:"validate_voter_membership"`

	LockMaxDuration time.Duration `yaml:"lock_max_duration" validate:"gt=0"`
	LockWaitTimeout time.Duration `yaml:"lock_wait_timeout" validate:"gt=0"`

	// Principals 静态授权表, user id -> 权限列表, 只给cmd/taskd使用
	Principals map[string][]string `yaml:"principals"`
	// EntityTables entity_type -> 表名, GormEntityResolver使用
	EntityTables map[string]string `yaml:"entity_tables"`
}

func DefaultConfig() *Config {
	return &Config{
		TaskGroupSearchPerms:       []string{"190001"},
		TaskGroupCreatePerms:       []string{"190002"},
		TaskGroupUpdatePerms:       []string{"190003"},
		TaskGroupDeletePerms:       []string{"190004"},
		TaskSearchPerms:            []string{"191001"},
		TaskCreatePerms:            []string{"191002"},
		TaskUpdatePerms:            []string{"191003"},
		TaskDeletePerms:            []string{"191004"},
		DefaultExecutorActionEvent: "default",
		ValidateVoterMembership:    false,
		LockMaxDuration:            time.Minute,
		LockWaitTimeout:            5 * time.Second,
	}
}

// LoadConfig 从yaml文件加载配置, 文件里没有的字段使用默认值
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "read config failed, path: %s", path)
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(ErrValidation, "unmarshal config failed, err: %v", err)
	}
	if err := validatorUtil.Struct(cfg); err != nil {
		return nil, errors.Wrapf(ErrValidation, "invalid config, err: %v", err)
	}
	return cfg, nil
}

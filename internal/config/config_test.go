package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9090, cfg.GRPCPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Scheduler.Parallelism)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.LockTTL)
	assert.True(t, cfg.Scheduler.CacheEnabled)
	assert.Equal(t, BackendRedis, cfg.Storage.CheckpointBackend)
	assert.Equal(t, []string{"localhost:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, 5, cfg.Workers.PoolSize)
	assert.Equal(t, ":8080", cfg.GetHTTPAddr())
	assert.Equal(t, ":9090", cfg.GetGRPCAddr())
	assert.True(t, cfg.UsesRedis())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("JOBDAG_HTTP_PORT", "8181")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STATE_BACKEND", "memory")
	t.Setenv("EVENT_BACKEND", "memory")
	t.Setenv("CHECKPOINT_BACKEND", "etcd")
	t.Setenv("ETCD_ENDPOINTS", "etcd-0:2379,etcd-1:2379")
	t.Setenv("SCHEDULER_PARALLELISM", "8")
	t.Setenv("SCHEDULER_CHECKPOINT_INTERVAL", "1m")
	t.Setenv("WORKER_POOL_SIZE", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8181", cfg.GetHTTPAddr())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, 8, cfg.Scheduler.Parallelism)
	assert.Equal(t, time.Minute, cfg.Scheduler.CheckpointInterval)
	assert.Equal(t, 2, cfg.Workers.PoolSize)
	assert.False(t, cfg.UsesRedis())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "port out of range", env: map[string]string{"JOBDAG_HTTP_PORT": "70000"}},
		{name: "unparseable port", env: map[string]string{"JOBDAG_GRPC_PORT": "grpc"}},
		{name: "unknown checkpoint backend", env: map[string]string{"CHECKPOINT_BACKEND": "s3"}},
		{name: "etcd state backend", env: map[string]string{"STATE_BACKEND": "etcd"}},
		{name: "zero parallelism", env: map[string]string{"SCHEDULER_PARALLELISM": "0"}},
		{name: "zero pool size", env: map[string]string{"WORKER_POOL_SIZE": "0"}},
		{name: "bad log level", env: map[string]string{"LOG_LEVEL": "verbose"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidate_Dependencies(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	noRedis := *base
	noRedis.Redis.Addr = ""
	assert.ErrorContains(t, noRedis.Validate(), "redis address")

	noRedis.Storage = StorageConfig{StateBackend: BackendMemory, CheckpointBackend: BackendMemory, EventBackend: BackendMemory}
	assert.NoError(t, noRedis.Validate())

	noEtcd := *base
	noEtcd.Storage.CheckpointBackend = BackendEtcd
	noEtcd.Etcd.Endpoints = nil
	assert.ErrorContains(t, noEtcd.Validate(), "etcd endpoints")

	noSink := *base
	noSink.Sink.DSN = ""
	assert.ErrorContains(t, noSink.Validate(), "sink DSN")
	noSink.Sink.Enabled = false
	assert.NoError(t, noSink.Validate())
}

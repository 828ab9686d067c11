package app

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-dispatcher/internal/config"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
	"github.com/unclebandit/campaign-dispatcher/internal/transport"
)

func memoryConfig() config.Config {
	return config.Config{
		QueueBackend:      "memory",
		StoreBackend:      "memory",
		Workers:           2,
		MaxAttempts:       5,
		BackoffBase:       250 * time.Millisecond,
		SendTimeout:       3 * time.Second,
		SendRatePerSec:    20,
		VisibilityTimeout: time.Minute,
		ParkDelay:         time.Second,
	}
}

func TestNewMemoryApp(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &queue.MemoryQueue{}, a.Queue)
	assert.IsType(t, &repository.SequentialRecorder{}, a.Outcomes)
	assert.Equal(t, 5, a.Service.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, a.Service.BackoffBase)
	assert.Equal(t, time.Minute, a.Queue.(*queue.MemoryQueue).Visibility)
	assert.NoError(t, a.Ready(context.Background()))

	w := a.NewWorker()
	assert.Equal(t, 2, w.Concurrency)
	assert.Equal(t, 3*time.Second, w.SendTimeout)
	assert.Equal(t, time.Second, w.ParkDelay)
}

func TestSenderSelection(t *testing.T) {
	cfg := memoryConfig()
	a := &App{Config: cfg, Log: zap.NewNop()}

	rl, ok := a.Sender().(*transport.RateLimited)
	require.True(t, ok)
	assert.IsType(t, transport.MockSender{}, rl.Next)

	a.Config.ProviderURL = "https://mail.example.com/api"
	rl = a.Sender().(*transport.RateLimited)
	hs, ok := rl.Next.(*transport.HTTPSender)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, hs.Client.Timeout)
}

func TestCloseIsIdempotent(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())

	_, err = a.Queue.Reserve(context.Background())
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestUnreachableRedisFailsCleanly(t *testing.T) {
	cfg := memoryConfig()
	cfg.QueueBackend = "redis"
	cfg.RedisAddr = "127.0.0.1:1"

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Nil(t, a)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}

func TestRedisBackendClosesOnce(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	cfg := memoryConfig()
	cfg.QueueBackend = "redis"
	cfg.RedisAddr = addr

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Ready(context.Background()))
	assert.NoError(t, a.Close())
}

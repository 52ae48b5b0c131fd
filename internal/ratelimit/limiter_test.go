package ratelimit

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"auditsmart/internal/config"
	"auditsmart/internal/errors"
	"auditsmart/pkg/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const whitelisted = "0xB97FCDCD02FE2B50D8014B80080C904845E027F1"

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newBoltStore(t *testing.T) Store {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "wallets.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newRedisStore(t *testing.T) Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, "test", testLogger())
	t.Cleanup(func() { store.Close() })
	return store
}

// 两种存储跑同一组用例
var storeFactories = map[string]func(t *testing.T) Store{
	"bolt":  newBoltStore,
	"redis": newRedisStore,
}

func newLimiter(store Store, cap int) (*Limiter, *fakeClock) {
	cfg := config.GetDefaultConfig().RateLimit
	cfg.DailyCap = cap
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewLimiter(store, cfg, testLogger()).WithClock(clock.Now), clock
}

func TestWhitelistedNeverDenied(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			limiter, _ := newLimiter(store, 100)
			ctx := context.Background()

			for i := 0; i < 25; i++ {
				d, err := limiter.CheckAndRegister(ctx, whitelisted)
				require.NoError(t, err)
				assert.True(t, d.Allowed)
				assert.True(t, d.Whitelisted)
				assert.Equal(t, ReasonWhitelisted, d.Reason)
			}

			// 白名单不登记
			snapshot, err := limiter.Snapshot(ctx)
			require.NoError(t, err)
			assert.Empty(t, snapshot.Registry)
		})
	}
}

func TestTrialWindow(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			limiter, clock := newLimiter(factory(t), 100)
			ctx := context.Background()
			wallet := "0xAbC0000000000000000000000000000000000001"

			d, err := limiter.CheckAndRegister(ctx, wallet)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, ReasonAllowed, d.Reason)
			assert.Equal(t, 99, d.RemainingSlots)

			// 24小时内第二次被拒绝，大小写不敏感
			clock.Advance(23 * time.Hour)
			d, err = limiter.CheckAndRegister(ctx, "0xabc0000000000000000000000000000000000001")
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, ReasonTrialExceeded, d.Reason)
			assert.True(t, errors.IsType(d.DenialError(), errors.ErrorTypePolicyDenied))

			// 窗口过后再次允许
			clock.Advance(time.Hour + time.Second)
			d, err = limiter.CheckAndRegister(ctx, wallet)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		})
	}
}

func TestDailyCap(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			limiter, clock := newLimiter(factory(t), 100)
			ctx := context.Background()

			for i := 0; i < 100; i++ {
				d, err := limiter.CheckAndRegister(ctx, fmt.Sprintf("0x%040d", i))
				require.NoError(t, err)
				require.True(t, d.Allowed, "wallet %d", i)
			}

			// 第101个不同钱包
			d, err := limiter.CheckAndRegister(ctx, fmt.Sprintf("0x%040d", 100))
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, ReasonDailyLimit, d.Reason)
			assert.True(t, errors.IsType(d.DenialError(), errors.ErrorTypePolicyDenied))

			// 已登记的钱包重复请求，拒绝原因不同
			d, err = limiter.CheckAndRegister(ctx, fmt.Sprintf("0x%040d", 5))
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, ReasonTrialExceeded, d.Reason)

			// 滚动窗口过后恢复
			clock.Advance(24*time.Hour + time.Minute)
			d, err = limiter.CheckAndRegister(ctx, fmt.Sprintf("0x%040d", 100))
			require.NoError(t, err)
			assert.True(t, d.Allowed)

			snapshot, err := limiter.Snapshot(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, snapshot.UniqueInDay)
			assert.Len(t, snapshot.UsageLog, 1)
			assert.Len(t, snapshot.Registry, 101)
			assert.Equal(t, 99, snapshot.RemainingSlot)
		})
	}
}

func TestConcurrentFirstRequests(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			limiter, _ := newLimiter(factory(t), 100)
			ctx := context.Background()

			const workers = 16
			var wg sync.WaitGroup
			var mu sync.Mutex
			allowed := 0

			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := limiter.CheckAndRegister(ctx, "0x1111111111111111111111111111111111111111")
					if err != nil {
						return
					}
					if d.Allowed {
						mu.Lock()
						allowed++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			// 同一钱包并发首次请求只有一个通过
			assert.Equal(t, 1, allowed)
		})
	}
}

func TestEmptyIdentity(t *testing.T) {
	limiter, _ := newLimiter(newBoltStore(t), 100)
	_, err := limiter.CheckAndRegister(context.Background(), "   ")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallets.db")
	store, err := NewBoltStore(path, testLogger())
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Update(context.Background(), func(doc *models.UsageDocument) error {
		doc.Registry["0xabc"] = now
		return nil
	}))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(path, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.View(context.Background(), func(doc *models.UsageDocument) error {
		assert.True(t, doc.Registry["0xabc"].Equal(now))
		return nil
	}))
}

func TestStoreUpdateErrorRollsBack(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			err := store.Update(ctx, func(doc *models.UsageDocument) error {
				doc.Registry["0xabc"] = time.Now()
				return fmt.Errorf("中止")
			})
			require.Error(t, err)

			require.NoError(t, store.View(ctx, func(doc *models.UsageDocument) error {
				assert.Empty(t, doc.Registry)
				return nil
			}))
		})
	}
}

func TestNewStoreBackends(t *testing.T) {
	cfg := config.GetDefaultConfig().RateLimit
	cfg.DBPath = filepath.Join(t.TempDir(), "w.db")
	store, err := NewStore(cfg, testLogger())
	require.NoError(t, err)
	_, ok := store.(*BoltStore)
	assert.True(t, ok)
	store.Close()

	cfg.Backend = "memcached"
	_, err = NewStore(cfg, testLogger())
	assert.Error(t, err)
}

package coordination

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/agentfleet/config"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// 内存库按连接隔离，固定单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestGormBackend(t *testing.T, opts ...GormOption) *GormBackend {
	t.Helper()
	opts = append([]GormOption{WithAutoMigrate()}, opts...)
	b, err := NewGormBackend(setupTestDB(t), zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return b
}

func TestGormBackend_Contract(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend {
		return newTestGormBackend(t)
	})
}

func TestGormBackend_RequiresDB(t *testing.T) {
	_, err := NewGormBackend(nil, nil)
	assert.Error(t, err)
}

func TestGormBackend_GrantCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	b := newTestGormBackend(t, WithGrantCacheTTL(time.Minute))

	require.NoError(t, b.PutGrant(ctx, "agent-a", AccessTeam))
	level, err := b.GetGrant(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, AccessTeam, level)

	// 绕过后端直接改库：缓存命中仍返回旧值
	require.NoError(t, b.DB().Model(&grantRow{}).
		Where("principal_id = ?", "agent-a").
		Update("access_level", int(AccessSystem)).Error)
	level, err = b.GetGrant(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, AccessTeam, level)

	// 经后端写入会失效缓存
	require.NoError(t, b.PutGrant(ctx, "agent-a", AccessSwarm))
	level, err = b.GetGrant(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, AccessSwarm, level)
}

func TestGormBackend_GrantRevokedDuringCacheFill(t *testing.T) {
	ctx := context.Background()
	b := newTestGormBackend(t, WithGrantCacheTTL(time.Minute))
	require.NoError(t, b.PutGrant(ctx, "agent-a", AccessSystem))

	// 读到旧行之后、写入缓存之前撤销授权
	var fired atomic.Bool
	require.NoError(t, b.DB().Callback().Query().After("gorm:query").
		Register("test:revoke_after_read", func(tx *gorm.DB) {
			if tx.Statement.Table == "acl_grants" && fired.CompareAndSwap(false, true) {
				assert.NoError(t, b.DeleteGrant(context.Background(), "agent-a"))
			}
		}))

	level, err := b.GetGrant(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, AccessSystem, level)
	require.True(t, fired.Load())

	level, err = b.GetGrant(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, AccessNone, level, "revoked grant must not be cached")
}

func TestGormBackend_PrefixWithLikeMetachars(t *testing.T) {
	ctx := context.Background()
	b := newTestGormBackend(t)

	require.NoError(t, b.PutEntry(ctx, suiteEntry("coordination", "a_b/1", "", 1, nil)))
	require.NoError(t, b.PutEntry(ctx, suiteEntry("coordination", "axb/1", "", 1, nil)))
	require.NoError(t, b.PutEntry(ctx, suiteEntry("coordination", "A_B/2", "", 1, nil)))

	listed, err := b.ListEntries(ctx, "coordination", "a_b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_b/1"}, entryKeys(listed))
}

func TestNewBackend_Database(t *testing.T) {
	b, err := NewBackend(config.StoreConfig{Type: "database", AutoMigrate: true}, BackendDeps{DB: setupTestDB(t)})
	require.NoError(t, err)
	assert.Equal(t, "database", b.Name())
	assert.NoError(t, b.Ping(context.Background()))
}

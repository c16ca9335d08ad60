package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// =============================================================================
// 🔎 启动前的表结构检查
// =============================================================================

var (
	// ErrSchemaOutdated 数据库版本低于内嵌的最新迁移
	ErrSchemaOutdated = errors.New("coordination schema is behind the embedded migrations")
	// ErrSchemaDirty 上一次迁移中途失败，需要 `migrate force` 修复
	ErrSchemaDirty = errors.New("coordination schema is dirty")
)

// LatestVersion 返回 dbType 内嵌迁移的最高版本
func LatestVersion(dbType DatabaseType) (uint, error) {
	migrations, err := availableMigrations(dbType)
	if err != nil {
		return 0, err
	}
	if len(migrations) == 0 {
		return 0, fmt.Errorf("no embedded migrations for %s", dbType)
	}
	return migrations[len(migrations)-1].version, nil
}

// CheckSchema 读取 golang-migrate 的版本表并与内嵌迁移比对。
// 版本表缺失或为空返回 ErrSchemaOutdated；高于内嵌版本视为可用。
func CheckSchema(ctx context.Context, db *sql.DB, dbType DatabaseType, table string) error {
	if table == "" {
		table = DefaultTableName
	}
	want, err := LatestVersion(dbType)
	if err != nil {
		return err
	}

	var (
		version int64
		dirty   bool
	)
	// 表名来自配置常量，不接受外部输入
	row := db.QueryRowContext(ctx, "SELECT version, dirty FROM "+table+" LIMIT 1")
	switch err := row.Scan(&version, &dirty); {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: no migrations applied, want version %d", ErrSchemaOutdated, want)
	case err != nil:
		return fmt.Errorf("%w: read %s: %v", ErrSchemaOutdated, table, err)
	}

	if dirty {
		return fmt.Errorf("%w at version %d", ErrSchemaDirty, version)
	}
	if version < int64(want) {
		return fmt.Errorf("%w: at version %d, want %d", ErrSchemaOutdated, version, want)
	}
	return nil
}

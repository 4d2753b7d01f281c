package migrate

import (
	"errors"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"000001_init.up.sql":   {Data: []byte("CREATE TABLE t (id int);")},
		"000001_init.down.sql": {Data: []byte("DROP TABLE t;")},
	}
}

// TestUp_DriverFailureReleasesConnection 驱动创建失败时归还连接且不关闭共享 DB
func TestUp_DriverFailureReleasesConnection(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT CURRENT_DATABASE()")).
		WillReturnError(errors.New("permission denied"))

	err = NewMigrator(db, "eidos-lending", nil).Up(testMigrations(), ".")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create postgres driver failed")

	assert.Equal(t, 0, db.Stats().InUse)
	assert.NoError(t, db.Ping())
}

// TestUp_InvalidSource 迁移目录不存在时不占用连接
func TestUp_InvalidSource(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	err = NewMigrator(db, "eidos-lending", nil).Up(testMigrations(), "absent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create migration source failed")
	assert.Equal(t, 0, db.Stats().OpenConnections)
}

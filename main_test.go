package main

import (
	"bytes"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"tokopay/internal/database"
	"tokopay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// useSQLite points the commands at a fresh SQLite file and returns its path.
func useSQLite(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "tokopay.db")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_DSN", dsn)
	return dsn
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommandTree(t *testing.T) {
	cmd := newRootCmd()

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Subset(t, names, []string{"serve", "migrate", "reconcile", "import-products"})

	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	assert.NotNil(t, serve.Flags().Lookup("no-workers"))
}

func TestMigrateCommand(t *testing.T) {
	dsn := useSQLite(t)

	_, err := execute(t, "migrate")
	require.NoError(t, err)

	db, err := database.Open("sqlite", dsn)
	require.NoError(t, err)
	for _, model := range []interface{}{&models.User{}, &models.Product{}, &models.Order{}, &models.Payment{}, &models.PaymentEvent{}} {
		assert.True(t, db.Migrator().HasTable(model))
	}
}

func TestImportProductsCommand(t *testing.T) {
	dsn := useSQLite(t)
	file := filepath.Join(t.TempDir(), "products.json")
	require.NoError(t, os.WriteFile(file, []byte(`[
		{"id": "11111111-1111-1111-1111-111111111111", "name": "Linen shirt", "price": "849.00"},
		{"name": "Wool socks", "price": "199.50", "variations": [{"id": "xl", "name": "XL", "price": "219.50"}]}
	]`), 0o600))

	out, err := execute(t, "import-products", file)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 2 of 2 products")

	// Known IDs are skipped on a second run.
	out, err = execute(t, "import-products", file)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 1 of 2 products")

	db, err := database.Open("sqlite", dsn)
	require.NoError(t, err)
	var count int64
	require.NoError(t, db.Model(&models.Product{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)
}

func TestImportProductsCommand_Errors(t *testing.T) {
	useSQLite(t)

	_, err := execute(t, "import-products")
	assert.Error(t, err)

	_, err = execute(t, "import-products", filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to read")

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"name":`), 0o600))
	_, err = execute(t, "import-products", bad)
	assert.ErrorContains(t, err, "failed to decode")
}

func TestReconcileCommand(t *testing.T) {
	useSQLite(t)

	out, err := execute(t, "reconcile")
	require.NoError(t, err)
	assert.Equal(t, "checked=0 settled=0 pending=0 escalated=0 errors=0\n", out)
}

func TestCommandsRejectBadConfig(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "mysql")

	_, err := execute(t, "migrate")
	assert.ErrorContains(t, err, "unsupported DATABASE_DRIVER")
}

package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/aserec/itemdesk/itemdesk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")
	dataDir := filepath.Join(tempDir, "data")

	os.Setenv("ITEMDESK_DATABASE_TYPE", "sqlite")
	os.Setenv("ITEMDESK_DATABASE", dbPath)
	os.Setenv("ITEMDESK_DATA_DIR", dataDir)
	t.Cleanup(
		func() {
			os.Unsetenv("ITEMDESK_DATABASE_TYPE")
			os.Unsetenv("ITEMDESK_DATABASE")
			os.Unsetenv("ITEMDESK_DATA_DIR")
		},
	)

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"init"})
	err := rootCmd.Execute()
	require.NoError(t, err)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	info, err := os.Stat(filepath.Join(dataDir, "projects"))
	require.NoError(t, err, "Document directory should exist")
	assert.True(t, info.IsDir())

	// Verify the output
	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Initialization complete")

	// Verify the database schema
	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)

	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	mg := db.Migrator()

	assert.True(t, mg.HasTable(&itemdesk.Request{}))
	assert.True(t, mg.HasTable(&itemdesk.ReassignmentRequest{}))
	assert.True(t, mg.HasTable(&itemdesk.QueueMonitorConfig{}))
	assert.True(t, mg.HasTable(&itemdesk.LastSelection{}))
	assert.True(t, mg.HasTable(&itemdesk.InteractionLog{}))
}

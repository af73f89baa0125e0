package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/SharpBit/statsy/statsy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setTestDatabase points the config at a new sqlite file.
func setTestDatabase(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("STATSY_DATABASE_TYPE", "sqlite")
	t.Setenv("STATSY_DATABASE", dbPath)
	configFile = filepath.Join(t.TempDir(), "none.env")
	t.Cleanup(func() { configFile = "" })
	return dbPath
}

func mockPasswords(t *testing.T, passwords ...string) {
	t.Helper()
	idx := 0
	customPasswordReader = func() ([]byte, error) {
		if idx >= len(passwords) {
			return nil, errors.New("no more passwords")
		}
		password := passwords[idx]
		idx++
		return []byte(password), nil
	}
	t.Cleanup(func() { customPasswordReader = nil })
}

// executeWithInput runs the root command with args, returning its output.
func executeWithInput(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetIn(strings.NewReader(input))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	t.Cleanup(
		func() {
			rootCmd.SetIn(nil)
			rootCmd.SetOut(nil)
			rootCmd.SetErr(nil)
			resetCredentials = false
		},
	)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func openTestDB(t *testing.T, dbPath string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, _ := db.DB(); sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func TestInitCommand(t *testing.T) {
	dbPath := setTestDatabase(t)
	mockPasswords(t, "testpassword", "testpassword")

	output, err := executeWithInput(t, "testadmin\n", "init")
	require.NoError(t, err)
	t.Logf("output: %s", output)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")

	assert.Contains(t, output, "Admin credentials are not set. Let's set them up.")
	assert.Contains(t, output, "Enter admin username:")
	assert.Contains(t, output, "Enter admin password:")
	assert.Contains(t, output, "Confirm admin password:")
	assert.Contains(t, output, "Admin credentials set successfully")
	assert.Contains(t, output, "Initialization complete")

	db := openTestDB(t, dbPath)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&statsy.SavedTag{}))
	assert.True(t, mg.HasTable(&statsy.Shortcut{}))
	assert.True(t, mg.HasTable(&statsy.AdminCredential{}))
	assert.True(t, mg.HasTable(&statsy.CommandLog{}))

	var cred statsy.AdminCredential
	require.NoError(t, db.Last(&cred).Error)
	assert.Equal(t, "testadmin", cred.Username)
	assert.NotEqual(t, "testpassword", cred.Password)

	valid, err := statsy.VerifyPassword(cred.Password, "testpassword")
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestInitCommand_PasswordMismatch(t *testing.T) {
	dbPath := setTestDatabase(t)
	mockPasswords(t, "first", "second", "again", "again")

	output, err := executeWithInput(t, "testadmin\n", "init")
	require.NoError(t, err)
	assert.Contains(t, output, "Passwords do not match. Please try again.")
	assert.Contains(t, output, "Admin credentials set successfully")

	db := openTestDB(t, dbPath)
	var cred statsy.AdminCredential
	require.NoError(t, db.Last(&cred).Error)
	valid, err := statsy.VerifyPassword(cred.Password, "again")
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestInitCommand_TooManyAttempts(t *testing.T) {
	dbPath := setTestDatabase(t)
	mockPasswords(t, "a", "b", "", "", "c", "d")

	output, err := executeWithInput(t, "testadmin\n", "init")
	require.Error(t, err)
	assert.Contains(t, output, "Password can't be empty")

	db := openTestDB(t, dbPath)
	var count int64
	require.NoError(t, db.Model(&statsy.AdminCredential{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestInitCommand_AlreadySet(t *testing.T) {
	setTestDatabase(t)
	mockPasswords(t, "pw", "pw")

	_, err := executeWithInput(t, "admin\n", "init")
	require.NoError(t, err)

	output, err := executeWithInput(t, "", "init")
	require.NoError(t, err)
	assert.Contains(t, output, "Admin credentials are already set.")
	assert.NotContains(t, output, "Enter admin username:")
}

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configYAML = `
origin: https://repl.example
bucket: repl-v2
port: 9000
precache:
  - /
  - /index.html
  - https://cdn.example/main.wasm
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "offline-cache.yaml")
	require.NoError(t, os.WriteFile(filename, []byte(content), 0644))
	return filename
}

func TestGetConfig(t *testing.T) {
	config, err := getConfig(writeConfig(t, configYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://repl.example", config.Origin)
	assert.Equal(t, "repl-v2", config.Bucket)
	assert.Equal(t, 9000, config.Port)
	assert.Equal(t, []string{"/", "/index.html", "https://cdn.example/main.wasm"}, config.Precache)
}

func TestGetConfigErrors(t *testing.T) {
	_, err := getConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = getConfig(writeConfig(t, "precache: [unclosed"))
	assert.Error(t, err)
}

func TestMergeFlagsOverFile(t *testing.T) {
	file := Config{Origin: "https://repl.example", Port: 9000, Precache: []string{"/"}}
	flags := Config{Origin: "http://localhost:3000", Port: 8080, DB: "cache.db", Bucket: "bubble-repl-cache"}
	set := map[string]bool{"origin": true}

	config := merge(file, flags, func(name string) bool { return set[name] })

	assert.Equal(t, "http://localhost:3000", config.Origin, "explicit flag wins")
	assert.Equal(t, 9000, config.Port, "file wins over flag default")
	assert.Equal(t, "cache.db", config.DB, "flag default fills in")
	assert.Equal(t, "bubble-repl-cache", config.Bucket)
	assert.Equal(t, []string{"/"}, config.Precache)
}

func TestMergeWithoutFile(t *testing.T) {
	flags := Config{Addr: "10.0.0.1", Host: "repl.example", Port: 8080, DB: "memory"}

	config := merge(Config{}, flags, func(string) bool { return false })

	assert.Equal(t, flags, config)
	assert.Nil(t, config.Precache)
}

func TestOriginURL(t *testing.T) {
	u, host, err := Config{Origin: "http://localhost:3000"}.originURL()
	require.NoError(t, err)
	assert.Equal(t, "localhost:3000", u.Host)
	assert.Empty(t, host)

	u, host, err = Config{Addr: "10.0.0.1", Host: "repl.example"}.originURL()
	require.NoError(t, err)
	assert.Equal(t, "https://10.0.0.1", u.String())
	assert.Equal(t, "repl.example", host)

	u, _, err = Config{Origin: "http://localhost:3000", Addr: "10.0.0.1"}.originURL()
	require.NoError(t, err)
	assert.Equal(t, "localhost:3000", u.Host, "origin overrides addr")

	_, _, err = Config{}.originURL()
	assert.ErrorIs(t, err, ErrNoOrigin)

	_, _, err = Config{Origin: "/relative"}.originURL()
	assert.Error(t, err)
}

func TestDBFilename(t *testing.T) {
	assert.Equal(t, "file::memory:?cache=shared", Config{DB: "memory"}.dbFilename())
	assert.Equal(t, "cache.db", Config{DB: "cache.db"}.dbFilename())
}

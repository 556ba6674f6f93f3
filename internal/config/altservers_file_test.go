package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAltServersFile(t *testing.T) {
	content := "" +
		"# comment line\n" +
		"\n" +
		"10.0.0.1:5003\n" +
		"-10.0.0.2:5003 # replication only\n" +
		"+10.0.0.3:5003 # advertise only\n"

	path := filepath.Join(t.TempDir(), "alt-servers")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	entries, err := ParseAltServersFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, AltServerLine{Address: "10.0.0.1:5003"}, entries[0])
	assert.Equal(t, AltServerLine{Address: "10.0.0.2:5003", Private: true, Comment: "replication only"}, entries[1])
	assert.Equal(t, AltServerLine{Address: "10.0.0.3:5003", ClientOnly: true, Comment: "advertise only"}, entries[2])
}

func TestParseAltServersFileMissingIsNotError(t *testing.T) {
	entries, err := ParseAltServersFile(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestParseAltServersFileRejectsEmptyAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alt-servers")
	require.NoError(t, os.WriteFile(path, []byte("- # just a comment\n"), 0o600))

	_, err := ParseAltServersFile(path)
	assert.Error(t, err)
}

func TestFormatAltServersFileRoundTrip(t *testing.T) {
	entries := []AltServerLine{
		{Address: "a:1"},
		{Address: "b:2", Private: true, Comment: "c"},
	}

	formatted := FormatAltServersFile(entries)

	path := filepath.Join(t.TempDir(), "alt-servers")
	require.NoError(t, os.WriteFile(path, []byte(formatted), 0o600))

	got, err := ParseAltServersFile(path)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := SplitHostPort("example.com:5003", 5003)
	require.NoError(t, err)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, uint16(5003), port)

	host, port, err = SplitHostPort("example.com", 5003)
	require.NoError(t, err)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, uint16(5003), port)

	_, _, err = SplitHostPort("example.com:notaport", 5003)
	assert.Error(t, err)
}

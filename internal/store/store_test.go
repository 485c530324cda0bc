package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tradenet/internal/proto"
)

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()
	peers := []proto.ReportedPeer{{Address: proto.MustParseNodeAddress("127.0.0.1:3002"), LastSeenMs: 1}}

	for _, kind := range []string{"", BackendSQLite, BackendJSONL} {
		b, err := Open(kind, filepath.Join(dir, "j"+kind), filepath.Join(dir, "s"+kind+".db"))
		require.NoError(t, err, kind)
		require.NoError(t, b.SavePeers(peers))
		got, err := b.LoadPeers()
		require.NoError(t, err)
		require.Len(t, got, 1, kind)
		require.NoError(t, b.Close())
	}
	_, isSQLite := mustOpen(t, "", dir).(*SQLite)
	require.True(t, isSQLite)
	_, isJSONL := mustOpen(t, BackendJSONL, dir).(*JSONL)
	require.True(t, isJSONL)

	_, err := Open("leveldb", dir, "")
	require.Error(t, err)
}

func mustOpen(t *testing.T, kind, dir string) Backend {
	t.Helper()
	b, err := Open(kind, filepath.Join(dir, "again"), filepath.Join(dir, "again.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

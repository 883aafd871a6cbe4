package alias_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mountwalk/httm/internal/alias"
)

func TestSubstituteRewritesLongestMatchingPrefix(t *testing.T) {
	m, err := alias.New([]alias.Pair{
		{LivePrefix: "/data", SnapshotPrefix: "/mnt/backup/data"},
		{LivePrefix: "/data/hot", SnapshotPrefix: "/mnt/fast/hot"},
	})
	require.NoError(t, err)

	got, ok := m.Substitute("/data/hot/file.txt")
	require.True(t, ok)
	require.Equal(t, "/mnt/fast/hot/file.txt", got)

	got, ok = m.Substitute("/data/cold/file.txt")
	require.True(t, ok)
	require.Equal(t, "/mnt/backup/data/cold/file.txt", got)
}

func TestSubstituteNoMatchReturnsFalse(t *testing.T) {
	m, err := alias.New(nil)
	require.NoError(t, err)

	_, ok := m.Substitute("/unrelated/path")
	require.False(t, ok)
}

func TestNewParsesHTTMAliasesEnv(t *testing.T) {
	t.Setenv("HTTM_ALIASES", "/a:/snap/a,/b:/snap/b")

	m, err := alias.New(nil)
	require.NoError(t, err)

	got, ok := m.Substitute("/a/x")
	require.True(t, ok)
	require.Equal(t, "/snap/a/x", got)
}

func TestNewRejectsMalformedEnvClause(t *testing.T) {
	t.Setenv("HTTM_ALIASES", "not-a-pair")

	_, err := alias.New(nil)
	require.Error(t, err)
}

func TestHasPrefixMatchesRegisteredAlias(t *testing.T) {
	m, err := alias.New([]alias.Pair{{LivePrefix: "/ext", SnapshotPrefix: "/snap/ext"}})
	require.NoError(t, err)

	require.True(t, m.HasPrefix("/ext/sub/file"))
	require.False(t, m.HasPrefix("/other"))
}

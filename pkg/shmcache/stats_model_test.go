package shmcache_test

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/shmcache/shmcache/pkg/shmcache"
)

// Test_Stats_TracksItemCountAcrossSetAndDelete is a small state-model check
// in the teacher's own style: a plain-Go shadow model (just a map) is kept
// in sync with a sequence of operations, and Stats.Items is compared
// against the model's size after each step.
func Test_Stats_TracksItemCountAcrossSetAndDelete(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.shc")

	c, err := shmcache.Open(shmcache.Options{Path: path, Size: shmcache.MinRegionSize})
	require.NoError(t, err, "Open should succeed with valid options")
	defer c.Close()

	model := map[string]string{}

	apply := func(op string, key, val string) {
		switch op {
		case "set":
			ok, err := c.Set([]byte(key), []byte(val), false)
			require.NoError(t, err, "Set should not error")
			require.True(t, ok, "Set should report success")

			model[key] = val
		case "del":
			_, err := c.Delete([]byte(key))
			require.NoError(t, err, "Delete should not error")

			delete(model, key)
		}
	}

	apply("set", "a", "1")
	apply("set", "b", "2")
	apply("set", "c", "3")
	apply("del", "b", "")
	apply("set", "d", "4")

	stats, err := c.Stats()
	require.NoError(t, err, "Stats should not error")

	if diff := cmp.Diff(uint64(len(model)), stats.Items); diff != "" {
		t.Errorf("Stats.Items mismatch against shadow model (-want +got):\n%s", diff)
	}

	for key, want := range model {
		got, _, found, err := c.Get([]byte(key))
		require.NoError(t, err, "Get should not error")
		require.True(t, found, "key %q should be present per the shadow model", key)

		if diff := cmp.Diff(want, string(got)); diff != "" {
			t.Errorf("value mismatch for key %q (-want +got):\n%s", key, diff)
		}
	}

	_, _, found, err := c.Get([]byte("b"))
	require.NoError(t, err, "Get of deleted key should not error")
	require.False(t, found, "deleted key %q should not be found", "b")
}

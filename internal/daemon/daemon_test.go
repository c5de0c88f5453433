package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetOOMScoreAdj(t *testing.T) {
	orig := oomScoreAdjPath
	t.Cleanup(func() { oomScoreAdjPath = orig })
	oomScoreAdjPath = filepath.Join(t.TempDir(), "oom_score_adj")

	require.NoError(t, SetOOMScoreAdj(-900))
	data, err := os.ReadFile(oomScoreAdjPath)
	require.NoError(t, err)
	assert.Equal(t, "-900", string(data))

	assert.Error(t, SetOOMScoreAdj(-1001))
	assert.Error(t, SetOOMScoreAdj(1001))

	oomScoreAdjPath = filepath.Join(t.TempDir(), "missing", "oom_score_adj")
	assert.Error(t, SetOOMScoreAdj(0))
}

package opid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpIdCompare(t *testing.T) {
	require.True(t, (OpId{Term: 1, Index: 5}).Less(OpId{Term: 1, Index: 6}))
	require.True(t, (OpId{Term: 1, Index: 9}).Less(OpId{Term: 2, Index: 0}))
	require.False(t, (OpId{Term: 2, Index: 0}).Less(OpId{Term: 1, Index: 9}))
	require.Equal(t, 0, (OpId{Term: 3, Index: 4}).Compare(OpId{Term: 3, Index: 4}))
}

func TestCheckpointStates(t *testing.T) {
	start := Checkpoint{WriteID: SnapshotWriteID}
	require.True(t, start.IsSnapshotIntent())
	require.True(t, start.IsSnapshotStart())

	midSnap := Checkpoint{WriteID: SnapshotWriteID, Key: []byte("k"), SnapshotTime: 100}
	require.True(t, midSnap.IsSnapshotIntent())
	require.False(t, midSnap.IsSnapshotStart())

	walMode := Checkpoint{WriteID: 0}
	require.True(t, walMode.IsWALMode())
	require.False(t, walMode.IsSnapshotIntent())

	intentMid := Checkpoint{WriteID: 6, Key: []byte("rk")}
	require.True(t, intentMid.IsIntentMidFlight())
	require.False(t, intentMid.IsWALMode())
}

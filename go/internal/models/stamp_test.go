package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStampDominates_SeqOrder(t *testing.T) {
	require.True(t, Stamp{Seq: 5, ClientID: "a"}.Dominates(Stamp{Seq: 4, ClientID: "z"}))
	require.False(t, Stamp{Seq: 4, ClientID: "z"}.Dominates(Stamp{Seq: 5, ClientID: "a"}))
}

func TestStampDominates_ClientTieBreak(t *testing.T) {
	require.True(t, Stamp{Seq: 7, ClientID: "bob"}.Dominates(Stamp{Seq: 7, ClientID: "alice"}))
	require.False(t, Stamp{Seq: 7, ClientID: "alice"}.Dominates(Stamp{Seq: 7, ClientID: "bob"}))
}

func TestStampDominates_EqualStampsDoNotDominate(t *testing.T) {
	s := Stamp{Seq: 3, ClientID: "c1"}
	require.False(t, s.Dominates(s))
}

func TestStampDominates_ZeroStampAlwaysLoses(t *testing.T) {
	var zero Stamp
	require.True(t, zero.IsZero())
	require.True(t, Stamp{Seq: 1, ClientID: "a"}.Dominates(zero))
	require.False(t, zero.Dominates(Stamp{Seq: 1, ClientID: "a"}))
}

func TestStampDominates_ExactlyOneWinnerForDistinctStamps(t *testing.T) {
	stamps := []Stamp{
		{Seq: 1, ClientID: "a"},
		{Seq: 1, ClientID: "b"},
		{Seq: 2, ClientID: "a"},
		{Seq: 2, ClientID: "b"},
		{Seq: 3, ClientID: ""},
	}
	for i, a := range stamps {
		for j, b := range stamps {
			if i == j {
				continue
			}
			require.NotEqual(t, a.Dominates(b), b.Dominates(a), "stamps %v vs %v", a, b)
		}
	}
}

func TestCanvasSnapshotAt_OutOfRange(t *testing.T) {
	snap := CanvasSnapshot{Width: 2, Height: 2, Cells: make([]Cell, 4)}
	require.Equal(t, Cell{}, snap.At(Coord{X: 2, Y: 0}))
	require.Equal(t, Cell{}, snap.At(Coord{X: 0, Y: -1}))
}

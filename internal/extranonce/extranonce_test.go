package extranonce

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsOverlappingRanges(t *testing.T) {
	_, err := New(8, 4, 4)
	require.Error(t, err)
}

func TestNewRejectsOversizedRange1(t *testing.T) {
	_, err := New(16, 2, 9)
	require.Error(t, err)
}

func TestRangeLengths(t *testing.T) {
	e, err := New(8, 2, 2)
	require.NoError(t, err)

	require.Equal(t, 8, e.Len())
	require.Equal(t, 2, e.Range0Len())
	require.Equal(t, 2, e.Range1Len())
	require.Equal(t, 4, e.Range2Len())
}

func TestNextPrefixExtendedIsUnique(t *testing.T) {
	e, err := New(8, 2, 2)
	require.NoError(t, err)

	a, err := e.NextPrefixExtended(4)
	require.NoError(t, err)
	b, err := e.NextPrefixExtended(4)
	require.NoError(t, err)

	require.Len(t, a, 4)
	require.Len(t, b, 4)
	require.NotEqual(t, a, b)

	// range0 is left zeroed; only range1 is enumerated.
	require.Equal(t, []byte{0, 0}, a[:2])
}

func TestNextPrefixExtendedRejectsShortPrefix(t *testing.T) {
	e, err := New(8, 2, 2)
	require.NoError(t, err)

	_, err = e.NextPrefixExtended(2)
	require.Error(t, err)
}

func TestExtranonceFromDownstreamExtranonceValidatesLength(t *testing.T) {
	e, err := New(8, 2, 2)
	require.NoError(t, err)

	_, err = e.ExtranonceFromDownstreamExtranonce(make([]byte, 4))
	require.NoError(t, err)

	_, err = e.ExtranonceFromDownstreamExtranonce(make([]byte, 3))
	require.Error(t, err)
}

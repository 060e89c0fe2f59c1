package ring

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyAddSubWrap(t *testing.T) {
	k := MaxKey
	require.Equal(t, Key{}, k.Next())
	require.Equal(t, MaxKey, Key{}.Prev())

	a := Key{Hi: 1, Lo: ^uint64(0)}
	b := Key{Lo: 1}
	require.Equal(t, Key{Hi: 2, Lo: 0}, a.Add(b))
	require.Equal(t, a, a.Add(b).Sub(b))
}

func TestKeyBytesRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))

	for i := 0; i < 100; i++ {
		k := RandKey(rnd)

		got, err := KeyFromBytes(k.Bytes())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}

	_, err := KeyFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestKeyBytesPreserveOrder(t *testing.T) {
	rnd := rand.New(rand.NewSource(11))

	for i := 0; i < 100; i++ {
		a, b := RandKey(rnd), RandKey(rnd)

		cmpKeys := a.Cmp(b)
		cmpBytes := compareBytes(a.Bytes(), b.Bytes())
		require.Equal(t, cmpKeys, cmpBytes, "a=%s b=%s", a, b)
	}
}

func compareBytes(a, b []byte) int {
	for i := range a {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

func TestReplicaRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))

	for i := 0; i < 100; i++ {
		k := RandKey(rnd)

		for j := 0; j < ReplicaCount; j++ {
			require.Equal(t, k, k.Replica(j).Replica(ReplicaCount-j),
				"replica round-trip for j=%d", j)
		}
	}
}

func TestReplicaGroupQuadrants(t *testing.T) {
	k := Key{Hi: 0x1234, Lo: 99}
	group := k.ReplicaGroup()

	seen := map[int]bool{}
	for _, r := range group {
		seen[r.Quadrant()] = true
	}

	// The four replicas land in four distinct quadrants.
	require.Len(t, seen, ReplicaCount)
}

func TestQuadrantOfReplica(t *testing.T) {
	k := Key{Lo: 42} // quadrant 0
	require.Equal(t, 0, k.Quadrant())
	require.Equal(t, 1, k.Replica(1).Quadrant())
	require.Equal(t, 2, k.Replica(2).Quadrant())
	require.Equal(t, 3, k.Replica(3).Quadrant())
}

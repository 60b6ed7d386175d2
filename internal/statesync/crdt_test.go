package statesync

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reg(value string, ts int64, client string) Register {
	return Register{Value: json.RawMessage(value), Timestamp: ts, ClientID: client}
}

func TestDecodeState(t *testing.T) {
	st, err := DecodeState(nil)
	require.NoError(t, err)
	assert.Empty(t, st)

	st, err = DecodeState([]byte(`{"plan":{"value":"\"draft\"","ts":100,"client_id":"c1"}}`))
	require.NoError(t, err)
	require.Len(t, st, 1)
	assert.Equal(t, int64(100), st["plan"].Timestamp)

	_, err = DecodeState([]byte(`not json`))
	assert.Error(t, err)
}

func TestMerge_NewerTimestampWins(t *testing.T) {
	a := State{"plan": reg(`"old"`, 100, "c1")}
	b := State{"plan": reg(`"new"`, 200, "c2")}

	a.Merge(b)
	assert.Equal(t, json.RawMessage(`"new"`), a["plan"].Value)

	// Merging the older value back changes nothing.
	a.Merge(State{"plan": reg(`"old"`, 100, "c1")})
	assert.Equal(t, json.RawMessage(`"new"`), a["plan"].Value)
}

func TestMerge_TimestampTieBreaksByClientID(t *testing.T) {
	a := State{"plan": reg(`"from-a"`, 100, "client-a")}
	b := State{"plan": reg(`"from-b"`, 100, "client-b")}

	// Same tie, both directions: client-b wins because it sorts higher.
	left := State{}
	left.Merge(a)
	left.Merge(b)
	right := State{}
	right.Merge(b)
	right.Merge(a)

	assert.Equal(t, json.RawMessage(`"from-b"`), left["plan"].Value)
	assert.Equal(t, left.Hash(), right.Hash())
}

func TestMerge_DisjointKeys(t *testing.T) {
	a := State{"plan": reg(`1`, 100, "c1")}
	b := State{"notes": reg(`2`, 50, "c2")}

	a.Merge(b)
	assert.Len(t, a, 2)
}

// TestMerge_OrderIndependent merges the same set of deltas in many shuffled
// orders and requires an identical canonical hash every time.
func TestMerge_OrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	var deltas []State
	for i := 0; i < 30; i++ {
		key := fmt.Sprintf("key-%d", rng.Intn(8))
		deltas = append(deltas, State{
			key: reg(fmt.Sprintf(`"v%d"`, i), int64(rng.Intn(1000)), fmt.Sprintf("client-%d", rng.Intn(4))),
		})
	}

	merged := func(order []int) string {
		st := State{}
		for _, idx := range order {
			st.Merge(deltas[idx])
		}
		return st.Hash()
	}

	base := make([]int, len(deltas))
	for i := range base {
		base[i] = i
	}
	want := merged(base)

	for trial := 0; trial < 50; trial++ {
		order := append([]int(nil), base...)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		assert.Equal(t, want, merged(order), "merge must be order-independent")
	}
}

func TestMerge_Associative(t *testing.T) {
	a := State{"x": reg(`1`, 10, "c1")}
	b := State{"x": reg(`2`, 20, "c2"), "y": reg(`3`, 5, "c1")}
	c := State{"y": reg(`4`, 15, "c3")}

	// (a+b)+c
	left := State{}
	left.Merge(a)
	left.Merge(b)
	left.Merge(c)

	// a+(b+c)
	bc := State{}
	bc.Merge(b)
	bc.Merge(c)
	right := State{}
	right.Merge(a)
	right.Merge(bc)

	assert.Equal(t, left.Hash(), right.Hash())
}

func TestHash_Canonical(t *testing.T) {
	a := State{"x": reg(`1`, 10, "c1"), "y": reg(`2`, 20, "c2")}
	b := State{"y": reg(`2`, 20, "c2"), "x": reg(`1`, 10, "c1")}
	assert.Equal(t, a.Hash(), b.Hash())

	c := State{"x": reg(`1`, 11, "c1"), "y": reg(`2`, 20, "c2")}
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestEncodeRoundTrip(t *testing.T) {
	st := State{"plan": reg(`{"step":1}`, 42, "c1")}
	encoded, err := st.Encode()
	require.NoError(t, err)

	decoded, err := DecodeState(encoded)
	require.NoError(t, err)
	assert.Equal(t, st.Hash(), decoded.Hash())
}

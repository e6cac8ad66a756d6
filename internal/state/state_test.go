package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func delta(seq uint64, success, fail int, marks ...string) StreamDelta {
	d := StreamDelta{Stream: "users", Seq: seq, Summary: Summary{Success: success, Fail: fail}}
	for _, m := range marks {
		d.Bookmarks = append(d.Bookmarks, Bookmark{"id": m})
	}
	return d
}

func TestMerge_Associative(t *testing.T) {
	cases := []struct {
		name    string
		a, b, c StreamDelta
	}{
		{"increasing seq", delta(1, 1, 0, "a"), delta(2, 2, 0, "a", "b"), delta(3, 0, 1, "a", "b", "c")},
		{"decreasing seq", delta(3, 1, 0, "a", "b", "c"), delta(2, 1, 1, "a", "b"), delta(1, 5, 0, "a")},
		{"ties", delta(2, 1, 0, "x"), delta(2, 0, 1, "y"), delta(2, 3, 3, "z")},
		{"mixed", delta(5, 1, 0, "p"), delta(1, 0, 0), delta(7, 2, 2, "q")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			left := Merge(Merge(tc.a, tc.b), tc.c)
			right := Merge(tc.a, Merge(tc.b, tc.c))
			assert.Equal(t, left, right)
		})
	}
}

func TestMerge_SumsIncrementsAndKeepsNewestBookmarks(t *testing.T) {
	m := Merge(delta(2, 3, 0, "a", "b"), delta(1, 1, 2, "a"))
	assert.Equal(t, Summary{Success: 4, Fail: 2}, m.Summary)
	assert.Equal(t, uint64(2), m.Seq)
	assert.Len(t, m.Bookmarks, 2)
}

func TestDeliveryState_DeltaCarriesIncrementsOnly(t *testing.T) {
	d := NewDeliveryState("users", []Bookmark{{"id": "old"}}, Summary{Success: 10})
	d.Update(Bookmark{"id": "1"}, Summary{Success: 2})
	d.Update(nil, Summary{Fail: 1})

	first := d.Delta()
	assert.Equal(t, Summary{Success: 2, Fail: 1}, first.Summary)
	assert.Len(t, first.Bookmarks, 2)
	assert.Equal(t, uint64(2), first.Seq)
	assert.Equal(t, Summary{Success: 12, Fail: 1}, d.Summary())

	second := d.Delta()
	assert.True(t, second.Summary.IsZero())
	assert.Equal(t, first.Seq, second.Seq)
}

func TestDeliveryState_BookmarksAreCopies(t *testing.T) {
	prior := []Bookmark{{"id": "a"}}
	d := NewDeliveryState("s", prior, Summary{})
	d.Update(Bookmark{"id": "b"}, Summary{Success: 1})
	assert.Len(t, prior, 1)

	got := d.Bookmarks()
	got[0] = Bookmark{"id": "mutated"}
	assert.Equal(t, "a", d.Bookmarks()[0]["id"])
}

func TestSnapshot_ApplyTouchesOnlyItsStream(t *testing.T) {
	s := NewSnapshot()
	s.Apply(StreamDelta{Stream: "orders", Seq: 1, Bookmarks: []Bookmark{{"id": "o1"}}, Summary: Summary{Success: 1}})
	s.Apply(StreamDelta{Stream: "users", Seq: 3, Bookmarks: []Bookmark{{"id": "u1"}}, Summary: Summary{Fail: 2}})

	assert.Equal(t, Summary{Success: 1}, s.Summary["orders"])
	assert.Equal(t, Summary{Fail: 2}, s.Summary["users"])
	assert.Equal(t, []string{"orders", "users"}, s.Streams())
	assert.Equal(t, Summary{Success: 1, Fail: 2}, s.Total())
}

func TestSnapshot_StaleDeltaKeepsNewerBookmarks(t *testing.T) {
	s := NewSnapshot()
	s.Apply(delta(5, 1, 0, "a", "b"))
	s.Apply(delta(2, 1, 0, "a"))
	assert.Len(t, s.Bookmarks["users"], 2)
	assert.Equal(t, 2, s.Summary["users"].Success)
}

func TestSnapshot_ApplyMatchesMergedDeltas(t *testing.T) {
	a, b, c := delta(1, 1, 0, "a"), delta(3, 0, 1, "a", "b", "c"), delta(2, 2, 0, "a", "b")

	one := NewSnapshot()
	for _, d := range []StreamDelta{a, b, c} {
		one.Apply(d)
	}
	two := NewSnapshot()
	two.Apply(Merge(Merge(a, b), c))

	assert.Equal(t, one.Bookmarks, two.Bookmarks)
	assert.Equal(t, one.Summary, two.Summary)
}

func TestSnapshot_NewStreamWithoutBookmarksGetsEmptyList(t *testing.T) {
	s := NewSnapshot()
	s.Apply(StreamDelta{Stream: "empty"})
	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"bookmarks":{"empty":[]},"summary":{"empty":{"success":0,"fail":0,"existing":0,"updated":0}}}`, string(b))
}

func TestSnapshot_AuthErrorRecorded(t *testing.T) {
	s := NewSnapshot()
	s.Apply(StreamDelta{Stream: "users", Seq: 1, AuthError: `{"error":"denied"}`})
	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"auth_error_response":"{\"error\":\"denied\"}"`)
}

func TestSnapshot_UnknownKeysSurvive(t *testing.T) {
	in := `{"bookmarks":{"users":[{"id":"1","success":true}]},"summary":{"users":{"success":1,"fail":0,"existing":0,"updated":0}},"currently_syncing":"users","custom":{"a":[1,2]}}`

	s := NewSnapshot()
	require.NoError(t, s.UnmarshalJSON([]byte(in)))
	s.Apply(StreamDelta{Stream: "orders", Seq: 1, Summary: Summary{Success: 4}})

	out, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"bookmarks":{"users":[{"id":"1","success":true}],"orders":[]},
		"summary":{"users":{"success":1,"fail":0,"existing":0,"updated":0},"orders":{"success":4,"fail":0,"existing":0,"updated":0}},
		"currently_syncing":"users",
		"custom":{"a":[1,2]}
	}`, string(out))
}

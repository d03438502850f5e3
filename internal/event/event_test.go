package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetNested(t *testing.T) {
	e := New("log")
	require.NoError(t, e.Put("http.status", IntValue(200)))
	require.NoError(t, e.Put("http.method", StringValue("GET")))

	v, ok, err := e.Get("http.status")
	require.NoError(t, err)
	require.True(t, ok)
	i, err := v.AsInt()
	require.NoError(t, err)
	assert.EqualValues(t, 200, i)

	ok, err = e.ContainsKey("http.method")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.ContainsKey("http.missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutOverwritesNonMapIntermediate(t *testing.T) {
	e := New("log")
	require.NoError(t, e.Put("a", StringValue("leaf")))
	require.NoError(t, e.Put("a.b", IntValue(1)))

	v, ok, err := e.Get("a.b")
	require.NoError(t, err)
	require.True(t, ok)
	n, _ := v.AsInt()
	assert.EqualValues(t, 1, n)
}

func TestDelete(t *testing.T) {
	e := New("log")
	require.NoError(t, e.Put("x.y", IntValue(5)))
	require.NoError(t, e.Delete("x.y"))
	ok, _ := e.ContainsKey("x.y")
	assert.False(t, ok)

	// deleting an absent path is a no-op
	require.NoError(t, e.Delete("nope.nope"))
}

func TestInvalidKey(t *testing.T) {
	e := New("log")
	_, _, err := e.Get("")
	require.Error(t, err)
	var ike *InvalidKeyError
	assert.ErrorAs(t, err, &ike)

	require.Error(t, e.Put("a..b", IntValue(1)))
}

func TestIsList(t *testing.T) {
	e := New("log")
	require.NoError(t, e.Put("tags", ListValue([]Value{StringValue("a"), StringValue("b")})))
	isList, err := e.IsList("tags")
	require.NoError(t, err)
	assert.True(t, isList)
}

func TestEventRoundTrip(t *testing.T) {
	e := New("log")
	require.NoError(t, e.Put("message", StringValue("hello")))
	require.NoError(t, e.Put("nested.count", IntValue(7)))
	require.NoError(t, e.Put("nested.ratio", FloatValue(3.5)))
	require.NoError(t, e.Put("flags", ListValue([]Value{BoolValue(true), BoolValue(false)})))

	s, err := e.ToJSONString()
	require.NoError(t, err)

	parsed, err := Parse("log", s)
	require.NoError(t, err)

	assert.True(t, e.Equal(parsed), "round-tripped event should deep-equal the original")
}

func TestCloneIsIndependent(t *testing.T) {
	e := New("log")
	require.NoError(t, e.Put("a.b", IntValue(1)))
	clone := e.Clone()
	require.NoError(t, clone.Put("a.b", IntValue(2)))

	v, _, _ := e.Get("a.b")
	n, _ := v.AsInt()
	assert.EqualValues(t, 1, n, "mutating the clone must not affect the original")
}

package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataprepper/corepipe/internal/event"
)

func mkEvent(fields map[string]event.Value) *event.Event {
	e := event.New("test")
	for k, v := range fields {
		_ = e.Put(k, v)
	}
	return e
}

func TestEqualityAndComparison(t *testing.T) {
	ev := mkEvent(map[string]event.Value{
		"status": event.IntValue(200),
		"ratio":  event.FloatValue(0.5),
		"name":   event.StringValue("checkout"),
		"ok":     event.BoolValue(true),
	})

	cases := []struct {
		src  string
		want bool
	}{
		{`/status == 200`, true},
		{`/status == 200.0`, true}, // int/float cross-promotion
		{`/status != 404`, true},
		{`/status < 300`, true},
		{`/status <= 200`, true},
		{`/status > 100`, true},
		{`/status >= 200`, true},
		{`/ratio < 1`, true},
		{`/name == "checkout"`, true},
		{`/ok == true`, true},
		{`/name == "checkout" and /status == 200`, true},
		{`/name == "other" or /status == 200`, true},
		{`not (/status == 404)`, true},
		{`/status == 404`, false},
	}

	for _, c := range cases {
		expr, err := Compile(c.src)
		require.NoError(t, err, c.src)
		got, err := expr.Evaluate(ev)
		require.NoError(t, err, c.src)
		assert.Equal(t, c.want, got, c.src)
	}
}

func TestRegexMatch(t *testing.T) {
	ev := mkEvent(map[string]event.Value{"path": event.StringValue("/api/v2/orders")})

	expr, err := Compile(`/path =~ "^/api/v2/"`)
	require.NoError(t, err)
	got, err := expr.Evaluate(ev)
	require.NoError(t, err)
	assert.True(t, got)

	expr, err = Compile(`/path !~ "^/api/v1/"`)
	require.NoError(t, err)
	got, err = expr.Evaluate(ev)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestInAndNotIn(t *testing.T) {
	ev := mkEvent(map[string]event.Value{"region": event.StringValue("us-west-2")})

	expr, err := Compile(`/region in ["us-east-1", "us-west-2"]`)
	require.NoError(t, err)
	got, err := expr.Evaluate(ev)
	require.NoError(t, err)
	assert.True(t, got)

	expr, err = Compile(`/region not in ["us-east-1"]`)
	require.NoError(t, err)
	got, err = expr.Evaluate(ev)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestTypeErrorOnMismatchedKinds(t *testing.T) {
	ev := mkEvent(map[string]event.Value{"name": event.StringValue("checkout")})

	expr, err := Compile(`/name == true`)
	require.NoError(t, err)
	_, err = expr.Evaluate(ev)
	require.Error(t, err)
	var typeErr *TypeError
	assert.ErrorAs(t, err, &typeErr)
}

func TestTypeErrorOnOrderingNonNumeric(t *testing.T) {
	ev := mkEvent(map[string]event.Value{"name": event.StringValue("checkout")})

	expr, err := Compile(`/name < 10`)
	require.NoError(t, err)
	_, err = expr.Evaluate(ev)
	require.Error(t, err)
	var typeErr *TypeError
	assert.ErrorAs(t, err, &typeErr)
}

func TestUnknownFieldError(t *testing.T) {
	ev := mkEvent(map[string]event.Value{"name": event.StringValue("checkout")})

	expr, err := Compile(`/missing == 1`)
	require.NoError(t, err)
	_, err = expr.Evaluate(ev)
	require.Error(t, err)
	var unknownErr *UnknownFieldError
	assert.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "missing", unknownErr.Field)
}

func TestMalformedExpressionFailsAtCompile(t *testing.T) {
	_, err := Compile(`/status ==`)
	assert.Error(t, err)

	_, err = Compile(`(/status == 200`)
	assert.Error(t, err)

	_, err = Compile(`/status == 200 200`)
	assert.Error(t, err)
}

func TestGroupingOverridesPrecedence(t *testing.T) {
	ev := mkEvent(map[string]event.Value{
		"a": event.BoolValue(false),
		"b": event.BoolValue(true),
		"c": event.BoolValue(false),
	})

	// Without grouping, "and" binds tighter than "or": a or (b and c) => false.
	expr, err := Compile(`/a or /b and /c`)
	require.NoError(t, err)
	got, err := expr.Evaluate(ev)
	require.NoError(t, err)
	assert.False(t, got)

	// With grouping: (a or b) and c => false since c is false.
	expr, err = Compile(`(/a or /b) and /c`)
	require.NoError(t, err)
	got, err = expr.Evaluate(ev)
	require.NoError(t, err)
	assert.False(t, got)
}

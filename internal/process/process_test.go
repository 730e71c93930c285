package process

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbisgis/orbisdata/internal/domain"
)

func newAdder(t *testing.T) *Process {
	t.Helper()
	p, err := New("add", func(_ context.Context, in Values) (Values, error) {
		return Values{"sum": in["a"].(int) + in["b"].(int)}, nil
	},
		WithDescription("adds two numbers"),
		WithKeywords("math"),
		WithVersion("1.0"),
		WithInputs(In[int]("a"), In[int]("b").WithDefault(10)),
		WithOutputs(Out[int]("sum")),
	)
	require.NoError(t, err)
	return p
}

func TestNewValidation(t *testing.T) {
	_, err := New("nil", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	fn := func(context.Context, Values) (Values, error) { return nil, nil }
	_, err = New("dup", fn, WithInputs(In[int]("a"), In[string]("a")))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = New("empty", fn, WithOutputs(Out[int]("")))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	p, err := New("", fn)
	require.NoError(t, err)
	assert.Equal(t, p.Identifier(), p.Title())
}

func TestProcessExecute(t *testing.T) {
	p := newAdder(t)
	ctx := context.Background()

	assert.Equal(t, "adds two numbers", p.Description())
	assert.Equal(t, []string{"math"}, p.Keywords())
	assert.Equal(t, "1.0", p.Version())

	out, err := p.Execute(ctx, Values{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, Values{"sum": 3}, out)
	assert.Equal(t, Values{"sum": 3}, p.Results())

	out, err = p.Execute(ctx, Values{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, 11, out["sum"])

	// float values from decoded documents are converted
	out, err = p.Execute(ctx, Values{"a": 2.0, "b": int64(3)})
	require.NoError(t, err)
	assert.Equal(t, 5, out["sum"])
}

func TestProcessExecuteErrors(t *testing.T) {
	p := newAdder(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		in      Values
		wantErr error
	}{
		{"missing input", Values{"b": 1}, domain.ErrMissingInput},
		{"wrong type", Values{"a": "one"}, domain.ErrInvalidInput},
		{"nil for int", Values{"a": nil}, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Execute(ctx, tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestProcessFunctionFailure(t *testing.T) {
	boom := errors.New("boom")
	p, err := New("fail", func(context.Context, Values) (Values, error) { return nil, boom })
	require.NoError(t, err)

	_, err = p.Execute(context.Background(), nil)
	var pe *domain.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "fail", pe.Process)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, p.Results())
}

func TestProcessOutputChecks(t *testing.T) {
	ctx := context.Background()

	missing := MustNew("missing", func(context.Context, Values) (Values, error) {
		return Values{}, nil
	}, WithOutputs(Out[string]("name")))
	_, err := missing.Execute(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrPortNotFound)

	wrong := MustNew("wrong", func(context.Context, Values) (Values, error) {
		return Values{"name": 42}, nil
	}, WithOutputs(Out[string]("name")))
	_, err = wrong.Execute(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	undeclared := MustNew("free", func(context.Context, Values) (Values, error) {
		return Values{"x": 1, "y": "two"}, nil
	})
	out, err := undeclared.Execute(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, Values{"x": 1, "y": "two"}, out)
}

func TestCoerceNumbers(t *testing.T) {
	tests := []struct {
		name   string
		target reflect.Type
		value  any
		want   any
		ok     bool
	}{
		{"integral float to int", reflect.TypeOf(0), 3.0, 3, true},
		{"fractional float to int", reflect.TypeOf(0), 3.7, nil, false},
		{"NaN to int", reflect.TypeOf(0), math.NaN(), nil, false},
		{"huge float to int64", reflect.TypeOf(int64(0)), 1e20, nil, false},
		{"negative int to uint8", reflect.TypeOf(uint8(0)), -1, nil, false},
		{"int overflowing int8", reflect.TypeOf(int8(0)), 300, nil, false},
		{"int to uint8", reflect.TypeOf(uint8(0)), 255, uint8(255), true},
		{"large uint to int64", reflect.TypeOf(int64(0)), uint64(math.MaxUint64), nil, false},
		{"int to float", reflect.TypeOf(0.0), 7, 7.0, true},
		{"float overflowing float32", reflect.TypeOf(float32(0)), 1e300, nil, false},
		{"float to float32", reflect.TypeOf(float32(0)), 0.5, float32(0.5), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := coerce(tt.target, tt.value)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestProcessRejectsLossyNumbers(t *testing.T) {
	ctx := context.Background()

	_, err := newAdder(t).Execute(ctx, Values{"a": 3.7})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "a", verr.Field)

	out, err := newAdder(t).Execute(ctx, Values{"a": 3.0})
	require.NoError(t, err)
	assert.Equal(t, 13, out["sum"])

	narrow := MustNew("byte", func(context.Context, Values) (Values, error) {
		return Values{"b": -1}, nil
	}, WithOutputs(Out[uint8]("b")))
	_, err = narrow.Execute(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestProcessCancelledContext(t *testing.T) {
	p := newAdder(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Execute(ctx, Values{"a": 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewInstanceAndCopy(t *testing.T) {
	p := newAdder(t)
	_, err := p.Execute(context.Background(), Values{"a": 1, "b": 1})
	require.NoError(t, err)

	inst := p.NewInstance()
	assert.NotEqual(t, p.Identifier(), inst.Identifier())
	assert.Equal(t, p.Title(), inst.Title())
	assert.Empty(t, inst.Results())
	assert.Len(t, inst.Inputs(), 2)

	cp := p.Copy()
	assert.Equal(t, p.Identifier(), cp.Identifier())
	assert.Equal(t, Values{"sum": 2}, cp.Results())
}

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "noirdesk/pkg/errors"
)

type greeter interface {
	Greet() string
}

type stubGreeter struct {
	msg string
}

func (s *stubGreeter) Greet() string { return s.msg }

type marker interface {
	Mark()
}

type markedGreeter struct {
	stubGreeter
}

func (m *markedGreeter) Mark() {}

func TestRegisterThenResolve_ReturnsSameInstance(t *testing.T) {
	r := New(zap.NewNop())
	instance := &stubGreeter{msg: "hello"}

	require.NoError(t, Register[greeter](r, instance))

	resolved, err := Resolve[greeter](r)
	require.NoError(t, err)
	assert.Same(t, instance, resolved)
}

func TestRegister_NilInstanceRejected(t *testing.T) {
	r := New(zap.NewNop())

	var nilGreeter greeter
	err := Register[greeter](r, nilGreeter)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	var nilPtr *stubGreeter
	err = Register[greeter](r, nilPtr)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestRegister_DuplicateOverwrites(t *testing.T) {
	r := New(zap.NewNop())
	first := &stubGreeter{msg: "first"}
	second := &stubGreeter{msg: "second"}

	require.NoError(t, Register[greeter](r, first))
	require.NoError(t, Register[greeter](r, second))

	resolved, err := Resolve[greeter](r)
	require.NoError(t, err)
	assert.Same(t, second, resolved)
	assert.Equal(t, 1, r.Len())
}

func TestResolve_NotRegistered(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, Register[*stubGreeter](r, &stubGreeter{}))

	_, err := Resolve[greeter](r)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotRegistered(err))
	// diagnostic lists what is registered
	assert.Contains(t, err.Error(), "stubGreeter")
}

func TestTryResolve(t *testing.T) {
	r := New(zap.NewNop())

	_, ok := TryResolve[greeter](r)
	assert.False(t, ok)

	instance := &stubGreeter{msg: "hi"}
	require.NoError(t, Register[greeter](r, instance))

	resolved, ok := TryResolve[greeter](r)
	require.True(t, ok)
	assert.Same(t, instance, resolved)
}

func TestIsRegistered(t *testing.T) {
	r := New(zap.NewNop())
	assert.False(t, IsRegistered[greeter](r))

	require.NoError(t, Register[greeter](r, &stubGreeter{}))
	assert.True(t, IsRegistered[greeter](r))
}

func TestAllOf_FiltersByMarkerInRegistrationOrder(t *testing.T) {
	r := New(zap.NewNop())

	plain := &stubGreeter{msg: "plain"}
	markedA := &markedGreeter{stubGreeter{msg: "a"}}
	markedB := &markedGreeter{stubGreeter{msg: "b"}}

	require.NoError(t, Register[*stubGreeter](r, plain))
	require.NoError(t, Register[*markedGreeter](r, markedA))
	require.NoError(t, Register[greeter](r, markedB))

	marked := AllOf[marker](r)
	require.Len(t, marked, 2)
	assert.Same(t, markedA, marked[0])
	assert.Same(t, markedB, marked[1].(*markedGreeter))
}

func TestClear(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, Register[greeter](r, &stubGreeter{}))

	r.Clear()

	assert.Equal(t, 0, r.Len())
	assert.False(t, IsRegistered[greeter](r))
	assert.Empty(t, AllOf[greeter](r))
}

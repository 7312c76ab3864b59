package mux

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blekit/command"
	"blekit/protocol"
)

func newRegistry(t *testing.T) (*Registry, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	return New(WithLogger(logrus.NewEntry(logger))), hook
}

func newProtocol(name string, reply string) *command.Protocol {
	logger, _ := test.NewNullLogger()
	p := command.New(name, "1.0", command.WithLogger(logrus.NewEntry(logger)))
	p.Register(7, "Ping", func(payload []byte) ([]byte, error) {
		return []byte(reply), nil
	})
	return p
}

func TestResolveEmpty(t *testing.T) {
	r, _ := newRegistry(t)

	_, err := r.Resolve(Default)
	assert.ErrorIs(t, err, ErrNoProtocolResolved)

	_, ok := r.DefaultID()
	assert.False(t, ok)
}

func TestFirstRegisteredIsDefault(t *testing.T) {
	r, _ := newRegistry(t)
	first := newProtocol("first", "one")
	second := newProtocol("second", "two")

	require.NoError(t, r.Register(1, first, false))
	require.NoError(t, r.Register(2, second, false))

	p, err := r.Resolve(Default)
	require.NoError(t, err)
	assert.Same(t, first, p)

	p, err = r.Resolve(2)
	require.NoError(t, err)
	assert.Same(t, second, p)
}

func TestExplicitDefaultWins(t *testing.T) {
	r, _ := newRegistry(t)
	first := newProtocol("first", "one")
	second := newProtocol("second", "two")
	third := newProtocol("third", "three")

	require.NoError(t, r.Register(1, first, false))
	require.NoError(t, r.Register(2, second, true))

	p, err := r.Resolve(Default)
	require.NoError(t, err)
	assert.Same(t, second, p)

	// A later non-default registration leaves the default alone.
	require.NoError(t, r.Register(3, third, false))
	id, ok := r.DefaultID()
	assert.True(t, ok)
	assert.Equal(t, ID(2), id)
}

func TestSetDefault(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.Register(1, newProtocol("a", "a"), false))
	require.NoError(t, r.Register(2, newProtocol("b", "b"), false))

	require.NoError(t, r.SetDefault(2))
	p, err := r.Resolve(Default)
	require.NoError(t, err)
	assert.Equal(t, "b", p.Name())

	assert.ErrorIs(t, r.SetDefault(9), ErrNoProtocolResolved)
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newRegistry(t)
	assert.ErrorIs(t, r.Register(-2, newProtocol("a", "a"), false), ErrInvalidID)
	assert.ErrorIs(t, r.Register(1, nil, false), ErrNilProtocol)
	assert.Empty(t, r.IDs())
}

func TestResolveUnknownID(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.Register(1, newProtocol("a", "a"), false))

	_, err := r.Resolve(5)
	assert.ErrorIs(t, err, ErrNoProtocolResolved)
}

func TestPassThrough(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.Register(1, newProtocol("first", "one"), false))
	require.NoError(t, r.Register(2, newProtocol("second", "two"), false))

	frame, err := r.Encode(Default, 7, []byte("ping"))
	require.NoError(t, err)

	cmd, payload, err := r.Decode(2, frame)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), cmd)
	assert.Equal(t, []byte("ping"), payload)

	want, err := protocol.Encode(7, []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, want, r.Dispatch(2, frame))

	out, err := r.Handle(context.Background(), Default, frame)
	require.NoError(t, err)
	want, err = protocol.Encode(7, []byte("one"))
	require.NoError(t, err)
	assert.Equal(t, want, out)
}

func TestPassThroughUnresolved(t *testing.T) {
	r, hook := newRegistry(t)

	_, err := r.Encode(Default, 7, nil)
	assert.ErrorIs(t, err, ErrNoProtocolResolved)

	_, _, err = r.Decode(3, []byte{0xAA, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrNoProtocolResolved)

	_, err = r.Handle(context.Background(), Default, nil)
	assert.ErrorIs(t, err, ErrNoProtocolResolved)

	assert.Nil(t, r.Dispatch(Default, []byte{0xAA, 7, 0, 0, 7}))
	assert.Equal(t, "frame not routed", hook.LastEntry().Message)
}

func TestIDsSorted(t *testing.T) {
	r, _ := newRegistry(t)
	for _, id := range []ID{5, 1, 3} {
		require.NoError(t, r.Register(id, newProtocol("p", "p"), false))
	}
	assert.Equal(t, []ID{1, 3, 5}, r.IDs())
}

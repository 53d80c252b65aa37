package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPortDeliversInPostOrder(t *testing.T) {
	eng := NewEngine(Options{})
	holder := newFakeClient("holder")
	holder.holdOpen = true
	eng.Add(holder)

	var got []interface{}
	port := NewPort("ctl", func(v interface{}) {
		got = append(got, v)
		if v == 3 {
			eng.Remove(holder, false)
		}
	}, 8)
	eng.Add(port)

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(0) }()

	for _, v := range []int{1, 2, 3} {
		require.NoError(t, port.Send(v))
	}
	require.NoError(t, <-errCh)
	require.Equal(t, []interface{}{1, 2, 3}, got)

	// The run tore the port down with the other clients.
	require.ErrorIs(t, port.Send(4), ErrPortClosed)
}

func TestPortDoesNotHoldRunOpen(t *testing.T) {
	eng := NewEngine(Options{})
	port := NewPort("idle", func(interface{}) {}, 0)
	eng.Add(port)

	require.NoError(t, eng.Run(0))
	require.ErrorIs(t, port.Send("late"), ErrPortClosed)
}

func TestPortTrySend(t *testing.T) {
	port := NewPort("tiny", func(interface{}) {}, 1)
	require.True(t, port.TrySend("a"))
	require.False(t, port.TrySend("b"), "mailbox full")

	port.Close(false, false)
	require.False(t, port.TrySend("c"))
	require.ErrorIs(t, port.Send("d"), ErrPortClosed)
}

func TestPortCloseIsIdempotent(t *testing.T) {
	port := NewPort("", func(interface{}) {}, 0)
	require.NotEmpty(t, port.Key())
	port.Close(true, false)
	port.Close(false, true)
	require.ErrorIs(t, port.Send("x"), ErrPortClosed)
}

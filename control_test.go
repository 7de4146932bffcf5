package amqp

import (
	"fmt"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushEventsKeepsOverflow(t *testing.T) {
	defer leaktest.Check(t)()

	c, err := newConn(nil, false)
	require.NoError(t, err)

	n := cap(c.control) + 8
	for i := 0; i < n; i++ {
		c.emit(ControlEvent{Kind: SessionEnded, Reason: fmt.Errorf("session %d", i)})
	}
	c.flushEvents()

	var got []string
	for ev := range c.control {
		got = append(got, ev.Reason.Error())
	}
	require.Len(t, got, n)
	for i, reason := range got {
		assert.Equal(t, fmt.Sprintf("session %d", i), reason)
	}
}

func TestFlushEventsEmpty(t *testing.T) {
	c, err := newConn(nil, false)
	require.NoError(t, err)

	c.flushEvents()
	_, ok := <-c.control
	assert.False(t, ok)
}

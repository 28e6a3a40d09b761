package fleet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"
)

func TestTeardownUnwindsInReverse(t *testing.T) {
	s := &teardownStack{logger: zaptest.NewLogger(t)}
	var order []string
	for _, name := range []string{"network", "circuits", "balancer"} {
		s.push(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	assert.Equal(t, 3, s.len())

	assert.NoError(t, s.unwind(context.Background()))
	assert.Equal(t, []string{"balancer", "circuits", "network"}, order)
	assert.Equal(t, 0, s.len())
}

func TestTeardownKeepsGoingPastFailures(t *testing.T) {
	s := &teardownStack{logger: zaptest.NewLogger(t)}
	ran := 0
	s.push("network", func(context.Context) error { ran++; return nil })
	s.push("circuits", func(context.Context) error { ran++; return errBoom })
	s.push("balancer", func(context.Context) error { ran++; return errBoom })

	err := s.unwind(context.Background())
	assert.Equal(t, 3, ran)
	assert.ErrorIs(t, err, errBoom)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Contains(t, err.Error(), "release balancer")
	assert.Contains(t, err.Error(), "release circuits")

	// a second unwind has nothing left to do
	assert.NoError(t, s.unwind(context.Background()))
	assert.Equal(t, 3, ran)
}

package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKilledIsNotFound(t *testing.T) {
	assert.True(t, errors.Is(ErrKilled, ErrNotFound))
	assert.False(t, errors.Is(ErrNotFound, ErrKilled))
}

func TestKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("map: %w", ErrKilled), "killed"},
		{fmt.Errorf("lookup pid 3: %w", ErrNotFound), "not_found"},
		{fmt.Errorf("size 0: %w", ErrInvalidArgument), "invalid_argument"},
		{fmt.Errorf("kalloc: %w", ErrOutOfMemory), "out_of_memory"},
		{errors.New("boom"), "internal"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Kind(c.err))
	}
}

package process

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbisgis/orbisdata/internal/domain"
)

func TestManager(t *testing.T) {
	mgr := NewManager(nil)

	p, err := mgr.Create("Buffer", func(context.Context, Values) (Values, error) { return Values{}, nil })
	require.NoError(t, err)

	got, err := mgr.Get(p.Identifier())
	require.NoError(t, err)
	assert.Same(t, p, got)

	found, err := mgr.Find("buffer")
	require.NoError(t, err)
	assert.Equal(t, p.Identifier(), found.Identifier())

	_, err = mgr.Find("union")
	assert.ErrorIs(t, err, domain.ErrProcessNotFound)

	assert.ErrorIs(t, mgr.Register(p), domain.ErrConflict)
	assert.ErrorIs(t, mgr.Register(nil), domain.ErrInvalidInput)

	m := NewMapper(WithTitle("workflow")).Add(p.NewInstance())
	require.NoError(t, mgr.Register(m))

	list := mgr.List()
	require.Len(t, list, 2)
	assert.Equal(t, "Buffer", list[0].Title())
	assert.Equal(t, "workflow", list[1].Title())

	require.NoError(t, mgr.Remove(p.Identifier()))
	assert.ErrorIs(t, mgr.Remove(p.Identifier()), domain.ErrProcessNotFound)
	_, err = mgr.Get(p.Identifier())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, mgr.Len())
}

func TestManagerConcurrentCreate(t *testing.T) {
	mgr := NewManager(nil)
	fn := func(context.Context, Values) (Values, error) { return Values{}, nil }

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.Create(fmt.Sprintf("p%d", i), fn)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, mgr.Len())
}

package rollback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moduleplane/moduleplane/internal/models"
)

func newTestController() *Controller {
	return NewController(Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  clockwork.NewFakeClock(),
	})
}

func TestExecuteUndoesInReverseOrder(t *testing.T) {
	c := newTestController()

	var order []string
	undo := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	out := c.Execute(context.Background(), "act-1", []Action{
		{Name: "prepare", Undo: undo("prepare")},
		{Name: "register", Undo: undo("register")},
		{Name: "activate", Undo: undo("activate")},
	})

	require.NotNil(t, out)
	assert.False(t, out.Partial)
	assert.NoError(t, out.Err)
	assert.Equal(t, []string{"activate", "register", "prepare"}, order)
	assert.Equal(t, []string{"activate", "register", "prepare"}, out.Undone)
}

func TestExecuteContinuesPastFailures(t *testing.T) {
	c := newTestController()

	var order []string
	out := c.Execute(context.Background(), "act-2", []Action{
		{Name: "prepare", Undo: func(context.Context) error {
			order = append(order, "prepare")
			return nil
		}},
		{Name: "register", Undo: func(context.Context) error {
			order = append(order, "register")
			return errors.New("staging gone")
		}},
		{Name: "activate", Undo: func(context.Context) error {
			order = append(order, "activate")
			return nil
		}},
	})

	// The failed undo does not stop the walk.
	assert.Equal(t, []string{"activate", "register", "prepare"}, order)
	assert.True(t, out.Partial)
	assert.Equal(t, []string{"register"}, out.Failed)
	assert.Equal(t, []string{"activate", "prepare"}, out.Undone)

	require.Error(t, out.Err)
	assert.Equal(t, models.ErrCritical, models.KindOf(out.Err))
}

func TestExecuteSkipsNilUndos(t *testing.T) {
	c := newTestController()

	called := false
	out := c.Execute(context.Background(), "act-3", []Action{
		{Name: "validate"}, // pure step, nothing to undo
		{Name: "load", Undo: func(context.Context) error {
			called = true
			return nil
		}},
	})

	assert.True(t, called)
	assert.False(t, out.Partial)
	assert.Equal(t, []string{"validate"}, out.Skipped)
	assert.Equal(t, []string{"load"}, out.Undone)
}

func TestExecuteEmptyPlanIsClean(t *testing.T) {
	c := newTestController()
	out := c.Execute(context.Background(), "act-4", nil)
	assert.False(t, out.Partial)
	assert.NoError(t, out.Err)
	assert.Empty(t, out.Undone)
}

func TestExecuteSurvivesCanceledActivationContext(t *testing.T) {
	c := newTestController()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // activation was canceled; rollback must still run

	ran := false
	out := c.Execute(ctx, "act-5", []Action{
		{Name: "activate", Undo: func(undoCtx context.Context) error {
			ran = undoCtx.Err() == nil
			return nil
		}},
	})

	assert.True(t, ran, "undo should run on a detached context")
	assert.False(t, out.Partial)
}

package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

func TestSinkAppendsInOrder(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, pipeline.DeadLetter{Job: pipeline.Job{ID: "a"}, Reason: pipeline.KindValidation}))
	require.NoError(t, s.Write(ctx, pipeline.DeadLetter{Job: pipeline.Job{ID: "b"}, Reason: pipeline.KindPermanentFetch}))

	got := s.List()
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Job.ID)
	require.Equal(t, pipeline.KindPermanentFetch, got[1].Reason)
}

func TestSinkFailNext(t *testing.T) {
	t.Parallel()

	s := New()
	boom := errors.New("sink down")
	s.FailNext(boom)

	require.ErrorIs(t, s.Write(context.Background(), pipeline.DeadLetter{}), boom)
	require.NoError(t, s.Write(context.Background(), pipeline.DeadLetter{}))
	require.Len(t, s.List(), 1)
}

func TestSinkCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New().Write(ctx, pipeline.DeadLetter{})
	require.Equal(t, pipeline.KindCanceled, pipeline.KindOf(err))
}

func TestListDeadLettersNewestFirst(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		reason := pipeline.KindValidation
		if id == "c" {
			reason = pipeline.KindPermanentFetch
		}
		require.NoError(t, s.Write(ctx, pipeline.DeadLetter{Job: pipeline.Job{ID: id}, Reason: reason}))
	}

	got, err := s.ListDeadLetters(ctx, "", 2, 0)
	require.NoError(t, err)
	require.Equal(t, "d", got[0].Job.ID)
	require.Equal(t, "c", got[1].Job.ID)

	got, err = s.ListDeadLetters(ctx, pipeline.KindValidation, 10, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].Job.ID)
	require.Equal(t, "a", got[1].Job.ID)
}

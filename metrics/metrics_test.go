package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

func TestWithUnitTagsContext(t *testing.T) {
	ctx := WithUnit(context.Background(), "3")
	v, ok := tag.FromContext(ctx).Value(Unit)
	require.True(t, ok)
	require.Equal(t, "3", v)
}

func TestTimerRecordsAgainstRegisteredView(t *testing.T) {
	require.NoError(t, view.Register(TaskRunDurationView))
	t.Cleanup(func() { view.Unregister(TaskRunDurationView) })

	ctx := WithUnit(context.Background(), "0")
	stop := Timer(ctx, TaskRunDuration)
	time.Sleep(time.Millisecond)
	stop()

	// Recording against an OpenCensus view is asynchronous; poll briefly
	// for the row to land rather than asserting on the first read.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rows, err := view.RetrieveData(TaskRunDurationView.Name)
		require.NoError(t, err)
		if len(rows) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected task_run_ms view to have at least one recorded row")
}

func TestDefaultViewsCoversEveryMeasure(t *testing.T) {
	require.Len(t, DefaultViews, 12)
}

func TestRegisterViewsAppendsToViewList(t *testing.T) {
	before := len(views)
	extra := &view.View{
		Name:        "test/extra_view",
		Measure:     TasksCompleted,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Unit},
	}
	RegisterViews(extra)
	t.Cleanup(func() { views = views[:before] })

	require.Len(t, views, before+1)
	require.Same(t, extra, views[before])
}

func TestSinceInMillisecondsIsPositive(t *testing.T) {
	start := time.Now()
	time.Sleep(2 * time.Millisecond)
	ms := SinceInMilliseconds(start)
	require.Greater(t, ms, 0.0)
}

package ocr

import (
	"context"
	"testing"

	"github.com/scheduleingest/worker/internal/layout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractScheduleDate_PrefersWeekdayQualifiedExplicitYear(t *testing.T) {
	boxes := []layout.Box{
		{Text: "Fredag 31 Juli 2026", X: 10, Y: 20, W: 120, H: 24},
		{Text: "31 Juli", X: 200, Y: 22, W: 60, H: 24},
	}
	date, err := ExtractScheduleDate(boxes, nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-07-31", date)
}

func TestExtractScheduleDate_FallsBackToDefaultYear(t *testing.T) {
	boxes := []layout.Box{
		{Text: "31 Juli", X: 10, Y: 20, W: 60, H: 24},
	}
	year := 2026
	date, err := ExtractScheduleDate(boxes, &year)
	require.NoError(t, err)
	assert.Equal(t, "2026-07-31", date)
}

func TestExtractScheduleDate_MissingYearWithoutDefaultFails(t *testing.T) {
	boxes := []layout.Box{
		{Text: "31 Juli", X: 10, Y: 20, W: 60, H: 24},
	}
	_, err := ExtractScheduleDate(boxes, nil)
	require.Error(t, err)
}

func TestExtractScheduleDate_IgnoresTextOutsideTopBand(t *testing.T) {
	year := 2026
	boxes := []layout.Box{
		{Text: "Schedule", X: 10, Y: 0, W: 100, H: 24},
		{Text: "Marie Sjoberg 10:00-12:00 31 December 2026", X: 10, Y: 5000, W: 200, H: 24},
	}
	_, err := ExtractScheduleDate(boxes, &year)
	require.Error(t, err)
}

func TestResolveSessionScheduleDates_InheritsAnchorForMissingDates(t *testing.T) {
	day := "2026-07-31"
	values := []*string{&day, nil, &day}

	anchor, resolved, inherited, err := ResolveSessionScheduleDates(values)
	require.NoError(t, err)
	assert.Equal(t, "2026-07-31", anchor)
	assert.Equal(t, []string{"2026-07-31", "2026-07-31", "2026-07-31"}, resolved)
	assert.Equal(t, 1, inherited)
}

func TestResolveSessionScheduleDates_RejectsInconsistentDates(t *testing.T) {
	dayA := "2026-07-31"
	dayB := "2026-08-01"
	_, _, _, err := ResolveSessionScheduleDates([]*string{&dayA, &dayB})
	require.Error(t, err)
}

func TestResolveSessionScheduleDates_RejectsAllNil(t *testing.T) {
	_, _, _, err := ResolveSessionScheduleDates([]*string{nil, nil})
	require.Error(t, err)
}

func TestFixtureAdapter_ExtractByKeyAndContract(t *testing.T) {
	boxes := []layout.Box{{Text: "10:00", X: 0, Y: 0, W: 10, H: 10}}
	adapter := NewFixtureAdapter(map[string][]layout.Box{"image-1": boxes})

	got, err := adapter.ExtractByKey("image-1")
	require.NoError(t, err)
	assert.Equal(t, boxes, got)

	viaAdapter, err := adapter.Extract(context.Background(), []byte("image-1"))
	require.NoError(t, err)
	assert.Equal(t, boxes, viaAdapter)

	_, err = adapter.ExtractByKey("missing")
	require.Error(t, err)
}

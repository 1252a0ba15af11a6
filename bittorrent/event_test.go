package bittorrent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	var table = []struct {
		data        string
		expected    Event
		expectedErr error
	}{
		{"", None, nil},
		{"NONE", None, nil},
		{"started", Started, nil},
		{"stopped", Stopped, nil},
		{"completed", Completed, nil},
		{"paused", Paused, nil},
		{"StArTeD", Started, nil},
		{"spam", None, ErrUnknownEvent},
	}

	for _, tt := range table {
		t.Run(tt.data, func(t *testing.T) {
			got, err := NewEvent(tt.data)
			require.Equal(t, tt.expectedErr, err, "errors should equal the expected value")
			require.Equal(t, tt.expected, got, "events should equal the expected value")
		})
	}
}

func TestEventString(t *testing.T) {
	for event, name := range eventToString {
		require.Equal(t, name, event.String())
	}

	require.Panics(t, func() { _ = Event(250).String() })
}

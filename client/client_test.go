package client

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	ev, ok := parseEvent("event change 3 7 2 com.example.S")
	require.True(t, ok)
	require.Equal(t, Event{
		Kind:  "change",
		OldID: 3,
		NewID: 7,
		Flags: 2,
		Name:  "com.example.S",
	}, ev)
}

func TestParseEvent_Malformed(t *testing.T) {
	for _, line := range []string{
		"event change 3 7 2",
		"event change x 7 2 a.b",
		"event",
	} {
		_, ok := parseEvent(line)
		require.False(t, ok, "line %q", line)
	}
}

func TestStatusErr(t *testing.T) {
	require.ErrorIs(t, statusErr("error_exists"), ErrNameExists)
	require.ErrorIs(t, statusErr("error_not_found"), ErrNameNotFound)
	require.ErrorIs(t, statusErr("error_permission"), ErrPermissionDenied)
	require.ErrorIs(t, statusErr("error_no_space"), ErrNoSpace)
	require.ErrorIs(t, statusErr("error_invalid_name"), ErrInvalidName)
	require.Error(t, statusErr("error_anything_else"))
}

package duration

import (
	"testing"

	"github.com/lobbyboy-ssh/lobbyboy/internal/lberrors"
	"github.com/stretchr/testify/require"
)

func TestToSeconds(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"10s", 10},
		{"1m", 60},
		{"1h", 3600},
		{"1d", 86400},
		{"30m", 1800},
	}
	for _, c := range cases {
		got, err := ToSeconds(c.in)
		require.NoError(t, err, c.in)
		require.Equal(t, c.want, got, c.in)
	}
}

func TestToSecondsInvalid(t *testing.T) {
	for _, in := range []string{"", "-1s", "10", "1x", "1s2m", " 1s", "1s ", "01", "s"} {
		_, err := ToSeconds(in)
		require.Error(t, err, in)
		require.True(t, lberrors.IsInvalidDuration(err), in)
	}
}

func TestHumanize(t *testing.T) {
	require.Equal(t, "5s", Humanize(5))
	require.Equal(t, "2m", Humanize(130))
	require.Equal(t, "1h", Humanize(3700))
	require.Equal(t, "2d", Humanize(200000))
	require.Equal(t, "0s", Humanize(-5))
}

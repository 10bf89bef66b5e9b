package cli

import (
	"context"
	"fmt"
	"testing"

	"github.com/randalmurphal/radiator/internal/lock"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{fmt.Errorf("sync failed"), ExitFailed},
		{fmt.Errorf("run: %w", lock.ErrLocked), ExitLocked},
		{context.Canceled, ExitCancelled},
		{fmt.Errorf("run: %w", context.DeadlineExceeded), ExitCancelled},
	}
	for _, tc := range cases {
		if got := ExitCode(tc.err); got != tc.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

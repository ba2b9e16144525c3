package runner

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sofia-pulse/pulse/internal/obs"
)

func TestRunner_Classify(t *testing.T) {
	t.Parallel()

	background := context.Background()

	t.Run("nil error succeeds", func(t *testing.T) {
		t.Parallel()
		status, class := Classify(background, background, nil)
		require.Equal(t, StatusSucceeded, status)
		require.Empty(t, class)
	})

	t.Run("parent cancellation wins over error detail", func(t *testing.T) {
		t.Parallel()
		parent, cancel := context.WithCancel(context.Background())
		cancel()
		status, class := Classify(background, parent, errors.New("write aborted"))
		require.Equal(t, StatusCancelled, status)
		require.Equal(t, ErrorClassCancelled, class)
	})

	t.Run("deadline exceeded times out", func(t *testing.T) {
		t.Parallel()
		status, class := Classify(background, background, context.DeadlineExceeded)
		require.Equal(t, StatusTimedOut, status)
		require.Equal(t, ErrorClassTimeout, class)
	})

	t.Run("expired run context times out", func(t *testing.T) {
		t.Parallel()
		runCtx, cancel := context.WithTimeout(context.Background(), 0)
		defer cancel()
		<-runCtx.Done()
		status, class := Classify(runCtx, background, errors.New("fetch interrupted"))
		require.Equal(t, StatusTimedOut, status)
		require.Equal(t, ErrorClassTimeout, class)
	})

	t.Run("schema error fails with schema class", func(t *testing.T) {
		t.Parallel()
		err := obs.NewSchemaError("row-9", "event_date", "missing")
		status, class := Classify(background, background, err)
		require.Equal(t, StatusFailed, status)
		require.Equal(t, ErrorClassSchema, class)
	})

	t.Run("network error fails with transient class", func(t *testing.T) {
		t.Parallel()
		var err error = &net.DNSError{Err: "no such host", Name: "api.acleddata.com"}
		status, class := Classify(background, background, err)
		require.Equal(t, StatusFailed, status)
		require.Equal(t, ErrorClassTransientIO, class)
	})

	t.Run("unknown error defaults to transient", func(t *testing.T) {
		t.Parallel()
		status, class := Classify(background, background, errors.New("mystery"))
		require.Equal(t, StatusFailed, status)
		require.Equal(t, ErrorClassTransientIO, class)
	})
}

func TestRunner_ExitCode(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, ExitCode(StatusSucceeded, ""))
	require.Equal(t, 1, ExitCode(StatusFailed, ErrorClassConfig))
	require.Equal(t, 1, ExitCode(StatusFailed, ErrorClassSchema))
	require.Equal(t, 2, ExitCode(StatusFailed, ErrorClassTransientIO))
	require.Equal(t, 3, ExitCode(StatusTimedOut, ErrorClassTimeout))
	require.Equal(t, 4, ExitCode(StatusCancelled, ErrorClassCancelled))
}

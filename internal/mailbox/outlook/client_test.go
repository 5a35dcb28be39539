package outlook

import (
	"errors"
	"testing"

	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/stretchr/testify/require"

	"github.com/skylarkhq/mailsync-infra/internal/mailbox"
)

func odataErrWithStatus(code int) *odataerrors.ODataError {
	odataErr := odataerrors.NewODataError()
	odataErr.ResponseStatusCode = code
	return odataErr
}

func TestClassifyHistoryErr(t *testing.T) {
	// 410 resyncRequired: the delta token can no longer be replayed.
	require.ErrorIs(t, classifyHistoryErr(odataErrWithStatus(410)), mailbox.ErrCursorInvalid)
	require.ErrorIs(t, classifyHistoryErr(odataErrWithStatus(404)), mailbox.ErrCursorInvalid)

	require.ErrorIs(t, classifyHistoryErr(odataErrWithStatus(429)), mailbox.ErrRateLimited)

	err := classifyHistoryErr(odataErrWithStatus(401))
	require.NotErrorIs(t, err, mailbox.ErrCursorInvalid)
	require.NotErrorIs(t, err, mailbox.ErrRateLimited)
}

func TestClassifyErr(t *testing.T) {
	require.ErrorIs(t, classifyErr(odataErrWithStatus(429)), mailbox.ErrRateLimited)

	// Gone responses outside the delta path are not cursor errors.
	require.NotErrorIs(t, classifyErr(odataErrWithStatus(410)), mailbox.ErrCursorInvalid)

	plain := errors.New("dial tcp: timeout")
	require.Equal(t, plain, classifyErr(plain))
}

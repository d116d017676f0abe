package session

import (
	"context"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/goleak"

	"github.com/rubytyper/rtlsp/src/rtlsp/entity"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSetAndGet(t *testing.T) {
	r := New(tally.NewTestScope("rtlsp", nil))
	ctx := context.Background()

	_, err := r.Get(ctx)
	var notFound *errors.SessionNotFoundError
	require.ErrorAs(t, err, &notFound)

	s := entity.NewSession(uuid.Must(uuid.NewV4()))
	require.NoError(t, r.Set(ctx, s))

	got, err := r.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.UUID, got.UUID)

	count, err := r.SessionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDelete(t *testing.T) {
	r := New(tally.NewTestScope("rtlsp", nil))
	ctx := context.Background()

	s := entity.NewSession(uuid.Must(uuid.NewV4()))
	require.NoError(t, r.Set(ctx, s))

	// Deleting a different id leaves the session in place.
	require.NoError(t, r.Delete(ctx, uuid.Must(uuid.NewV4())))
	count, err := r.SessionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, r.Delete(ctx, s.UUID))
	count, err = r.SessionCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

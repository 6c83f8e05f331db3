package errors

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestWrapf(t *testing.T) {
	wrapped := Wrapf(sql.ErrNoRows, "job %s", "abc")

	assert.Equal(t, "job abc: sql: no rows in result set", wrapped.Error())
	assert.True(t, Is(wrapped, sql.ErrNoRows))
}

func TestWithDetailKeepsIdentity(t *testing.T) {
	err := WithDetail(Wrap(ErrConflict, "claim lost"), fmt.Sprintf("Job: %s", "job-1"))

	assert.True(t, Is(err, ErrConflict))
	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Job: job-1", details[0])
}

func TestSentinelHelpers(t *testing.T) {
	assert.True(t, IsNotFoundError(NewNotFoundError("job %s", "x")))
	assert.True(t, IsInvalidRequestError(NewInvalidRequestError("bad hour %d", 25)))
	assert.True(t, IsServiceUnavailableError(Wrap(ErrServiceUnavailable, "workflow")))

	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsNotFoundError(New("something else")))
	assert.False(t, IsInvalidRequestError(ErrNotFound))
}

func TestNewNotFoundErrorMessage(t *testing.T) {
	err := NewNotFoundError("project %s", "p1")
	assert.Contains(t, err.Error(), "project p1")
	assert.Contains(t, err.Error(), "not found")
}

package engine_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coordline/internal/engine"
)

var errDisk = errors.New("disk I/O error")

func TestStoreFailureRollsBack(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM service_requests WHERE id=?")).
		WithArgs("req-1").
		WillReturnError(errDisk)
	mock.ExpectRollback()

	eng := engine.New(conn, nil)
	_, err = eng.ConfirmRequest(context.Background(), desk, "req-1")
	var pe engine.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "confirm", pe.Op)
	assert.ErrorIs(t, err, errDisk)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin().WillReturnError(errDisk)

	eng := engine.New(conn, nil)
	_, err = eng.Escalate(context.Background(), desk, "req-1", "late")
	var pe engine.PersistenceError
	require.ErrorAs(t, err, &pe)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestValidationNeverTouchesStore(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	eng := engine.New(conn, nil)
	_, err = eng.CancelRequest(context.Background(), desk, "req-1", "")
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectQuery("FROM service_requests").WillReturnError(errDisk)

	eng := engine.New(conn, nil)
	_, err = eng.GetPipeline(context.Background(), engine.PipelineFilter{})
	var pe engine.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "get_pipeline", pe.Op)
	require.NoError(t, mock.ExpectationsWereMet())
}

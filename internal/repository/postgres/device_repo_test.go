package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/lexisync/internal/errs"
	"github.com/and161185/lexisync/internal/model"
)

func TestStore_GetDevice(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())
	last := time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM device_sync WHERE user_id=\$1 AND device_id=\$2`).
		WithArgs(user, "phone").
		WillReturnRows(pgxmock.NewRows([]string{"last_sync_time", "app_version", "last_status", "needs_full_sync", "updated_at"}).
			AddRow(&last, "1.2.0", "Completed", false, last))
	d, err := s.GetDevice(ctx, user, "phone")
	require.NoError(t, err)
	require.Equal(t, last, d.LastSyncTime)
	require.Equal(t, model.StatusCompleted, d.LastStatus)

	mock.ExpectQuery(`FROM device_sync WHERE user_id=\$1 AND device_id=\$2`).
		WithArgs(user, "tablet").
		WillReturnRows(pgxmock.NewRows([]string{"last_sync_time", "app_version", "last_status", "needs_full_sync", "updated_at"}).
			AddRow((*time.Time)(nil), "", "", true, last))
	d, err = s.GetDevice(ctx, user, "tablet")
	require.NoError(t, err)
	require.True(t, d.LastSyncTime.IsZero())
	require.True(t, d.NeedsFullSync)

	mock.ExpectQuery(`FROM device_sync`).
		WithArgs(user, "laptop").
		WillReturnError(pgx.ErrNoRows)
	_, err = s.GetDevice(ctx, user, "laptop")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_SaveDevice(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())
	now := time.Now().UTC()

	mock.ExpectExec(`GREATEST\(device_sync.last_sync_time, EXCLUDED.last_sync_time\)`).
		WithArgs(user, "phone", &now, "1.0", "Completed", false, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.SaveDevice(ctx, model.DeviceSync{
		UserID: user, DeviceID: "phone", LastSyncTime: now, AppVersion: "1.0",
		LastStatus: model.StatusCompleted, UpdatedAt: now,
	}))

	mock.ExpectExec(`INSERT INTO device_sync`).
		WithArgs(user, "phone", (*time.Time)(nil), "1.0", "Failed", false, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.SaveDevice(ctx, model.DeviceSync{
		UserID: user, DeviceID: "phone", AppVersion: "1.0", LastStatus: model.StatusFailed, UpdatedAt: now,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ResetDevice(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)
	user := uuid.Must(uuid.NewV4())
	now := time.Now().UTC()

	mock.ExpectExec(`last_sync_time = NULL, needs_full_sync = true`).
		WithArgs(user, "phone", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.ResetDevice(context.Background(), user, "phone", now))

	mock.ExpectExec(`INSERT INTO device_sync`).
		WithArgs(user, "phone", now).
		WillReturnError(errors.New("db down"))
	require.Error(t, s.ResetDevice(context.Background(), user, "phone", now))
}

func TestStore_AppendSyncLog(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)
	user := uuid.Must(uuid.NewV4())
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO sync_logs`).
		WithArgs(pgxmock.AnyArg(), user, "phone", []string{"vocabulary", "learning_progress"}, "PartiallyCompleted",
			2, 1, 0, 1, 1, "", now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	err := s.AppendSyncLog(context.Background(), model.SyncLog{
		UserID: user, DeviceID: "phone",
		EntityTypes: []model.EntityType{model.EntityVocabulary, model.EntityProgress},
		Status:      model.StatusPartiallyCompleted,
		Created:     2, Updated: 1, Conflicts: 1, Errors: 1,
		StartedAt: now, FinishedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

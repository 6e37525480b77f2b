package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
)

func TestBulkUpsertMessagesNewerWins(t *testing.T) {
	repo, mock := newMockRepo(t)

	messages := []model.Message{
		*model.NewMessage(42),
		*model.NewMessage(42),
	}

	// The conditional update clause keeps a replayed stale page from
	// overwriting fresher rows.
	mock.ExpectQuery(`INSERT INTO "messages" .* ON CONFLICT \("configuration_id","message_id"\) DO UPDATE SET .* WHERE excluded\.message_timestamp >= messages\.message_timestamp RETURNING "id"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))

	affected, err := repo.BulkUpsertMessages(context.Background(), messages)
	require.NoError(t, err)
	assert.EqualValues(t, 2, affected)
}

func TestBulkUpsertMessagesEmptyInput(t *testing.T) {
	repo, _ := newMockRepo(t)

	affected, err := repo.BulkUpsertMessages(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, affected)
}

func TestInsertMessageIfNewClaimsFirstWrite(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`INSERT INTO "messages" .* ON CONFLICT \("configuration_id","message_id"\) DO NOTHING RETURNING "id"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))

	inserted, err := repo.InsertMessageIfNew(context.Background(), model.NewMessage(42))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestInsertMessageIfNewDuplicateIsNoop(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`INSERT INTO "messages" .* DO NOTHING RETURNING "id"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	inserted, err := repo.InsertMessageIfNew(context.Background(), model.NewMessage(42))
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestUpdateMessageStatus(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE "messages" SET .* WHERE configuration_id = \$\d+ AND message_id = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateMessageStatus(context.Background(), 42, "m1", model.MessageStatusRead, 1735000000)
	require.NoError(t, err)
}

func TestUpdateMessageStatusUnknownMessage(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE "messages" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateMessageStatus(context.Background(), 42, "m-missing", model.MessageStatusDelivered, 0)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestBulkUpsertContactsNewerWins(t *testing.T) {
	repo, mock := newMockRepo(t)

	contacts := []model.Contact{*model.NewContact(42)}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "contacts" .* ON CONFLICT \("configuration_id","contact_id"\) DO UPDATE SET .* WHERE excluded\.remote_timestamp >= contacts\.remote_timestamp RETURNING "id"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	affected, err := repo.BulkUpsertContacts(context.Background(), contacts)
	require.NoError(t, err)
	assert.EqualValues(t, 1, affected)
}

func TestBulkUpsertGroupsAndMembers(t *testing.T) {
	repo, mock := newMockRepo(t)

	groups := []model.Group{*model.NewGroup(42)}
	mock.ExpectQuery(`INSERT INTO "groups" .* ON CONFLICT \("configuration_id","group_id"\) DO UPDATE SET .* RETURNING "id"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	affected, err := repo.BulkUpsertGroups(context.Background(), groups)
	require.NoError(t, err)
	assert.EqualValues(t, 1, affected)

	members := []model.GroupMember{{ConfigurationID: 42, GroupID: "g1", ContactID: "c1", Active: true}}
	mock.ExpectQuery(`INSERT INTO "group_members" .* ON CONFLICT \("configuration_id","group_id","contact_id"\) DO UPDATE SET .* RETURNING "id"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	affected, err = repo.BulkUpsertGroupMembers(context.Background(), members)
	require.NoError(t, err)
	assert.EqualValues(t, 1, affected)
}

func TestDeactivateGroupMemberMissingRowIsNotError(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE "group_members" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.DeactivateGroupMember(context.Background(), 42, "g1", "c-gone")
	require.NoError(t, err)
}

package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"tastebook/internal/database"
	"tastebook/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// A named in-memory database with a shared cache survives gorm's
	// connection pooling; the unique name isolates tests from each other.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func seedUsers(t *testing.T, db *gorm.DB, n int) []models.User {
	t.Helper()
	users := make([]models.User, 0, n)
	for i := 1; i <= n; i++ {
		u := models.User{
			Username: fmt.Sprintf("user%d", i),
			Email:    fmt.Sprintf("user%d@example.com", i),
		}
		require.NoError(t, db.Create(&u).Error)
		users = append(users, u)
	}
	return users
}

func newConversation(t *testing.T, db *gorm.DB, repo ChatRepository, userIDs ...uint) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{}
	require.NoError(t, repo.CreateConversation(context.Background(), conv))
	for _, id := range userIDs {
		require.NoError(t, repo.AddParticipant(context.Background(), conv.ID, id))
	}
	return conv
}

func TestFindDirectConversation(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()
	users := seedUsers(t, db, 3)

	conv := newConversation(t, db, repo, users[0].ID, users[1].ID)

	found, err := repo.FindDirectConversation(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, found.ID)
	assert.Len(t, found.Participants, 2)

	// Order of the pair does not matter.
	found, err = repo.FindDirectConversation(ctx, users[1].ID, users[0].ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, found.ID)

	// A different pair has no conversation yet.
	_, err = repo.FindDirectConversation(ctx, users[0].ID, users[2].ID)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestFindDirectConversationExcludesSupersets(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()
	users := seedUsers(t, db, 3)

	// A three-way conversation containing the pair must not match.
	newConversation(t, db, repo, users[0].ID, users[1].ID, users[2].ID)

	_, err := repo.FindDirectConversation(ctx, users[0].ID, users[1].ID)
	assert.True(t, IsNotFound(err))
}

func TestAddParticipantIdempotent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()
	users := seedUsers(t, db, 2)

	conv := newConversation(t, db, repo, users[0].ID)
	require.NoError(t, repo.AddParticipant(ctx, conv.ID, users[0].ID))

	var count int64
	require.NoError(t, db.Model(&models.ConversationParticipant{}).
		Where("conversation_id = ?", conv.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	ok, err := repo.IsParticipant(ctx, conv.ID, users[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsParticipant(ctx, conv.ID, users[1].ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetRecentMessagesReturnsTailAscending(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()
	users := seedUsers(t, db, 2)
	conv := newConversation(t, db, repo, users[0].ID, users[1].ID)

	base := time.Now().Add(-time.Hour)
	for i := 1; i <= 50; i++ {
		msg := &models.Message{
			ConversationID: conv.ID,
			SenderID:       users[i%2].ID,
			Text:           fmt.Sprintf("message %d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, repo.CreateMessage(ctx, msg))
	}

	messages, err := repo.GetRecentMessages(ctx, conv.ID, 20)
	require.NoError(t, err)
	require.Len(t, messages, 20)

	// The 20 newest of 50, oldest of that window first.
	assert.Equal(t, "message 31", messages[0].Text)
	assert.Equal(t, "message 50", messages[19].Text)
	for i := 1; i < len(messages); i++ {
		assert.False(t, messages[i].CreatedAt.Before(messages[i-1].CreatedAt))
	}

	// Sender preloaded for display.
	require.NotNil(t, messages[0].Sender)
	assert.NotEmpty(t, messages[0].Sender.Username)
}

func TestSetLastMessageBumpsRecency(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()
	users := seedUsers(t, db, 3)

	older := newConversation(t, db, repo, users[0].ID, users[1].ID)
	newer := newConversation(t, db, repo, users[0].ID, users[2].ID)

	// Push the first conversation's updated_at into the past, then touch it.
	past := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&models.Conversation{}).Where("id = ?", older.ID).
		Update("updated_at", past).Error)
	require.NoError(t, db.Model(&models.Conversation{}).Where("id = ?", newer.ID).
		Update("updated_at", past.Add(time.Minute)).Error)

	msg := &models.Message{ConversationID: older.ID, SenderID: users[1].ID, Text: "ping"}
	require.NoError(t, repo.CreateMessage(ctx, msg))
	require.NoError(t, repo.SetLastMessage(ctx, older.ID, msg.ID))

	convs, err := repo.GetUserConversations(ctx, users[0].ID)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, older.ID, convs[0].ID)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "ping", convs[0].LastMessage.Text)
	require.NotNil(t, convs[0].LastMessage.Sender)
	assert.Equal(t, users[1].ID, convs[0].LastMessage.Sender.ID)
}

func TestMarkConversationRead(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()
	users := seedUsers(t, db, 2)
	conv := newConversation(t, db, repo, users[0].ID, users[1].ID)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.CreateMessage(ctx, &models.Message{
			ConversationID: conv.ID, SenderID: users[1].ID, Text: "incoming",
		}))
	}
	// The reader's own message must keep its flag untouched.
	require.NoError(t, repo.CreateMessage(ctx, &models.Message{
		ConversationID: conv.ID, SenderID: users[0].ID, Text: "outgoing",
	}))

	updated, err := repo.MarkConversationRead(ctx, conv.ID, users[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated)

	// Second pass finds nothing unread: the transition happens once.
	updated, err = repo.MarkConversationRead(ctx, conv.ID, users[0].ID)
	require.NoError(t, err)
	assert.Zero(t, updated)
}

func TestCountUnread(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()
	users := seedUsers(t, db, 3)

	convA := newConversation(t, db, repo, users[0].ID, users[1].ID)
	convB := newConversation(t, db, repo, users[0].ID, users[2].ID)

	for i := 0; i < 2; i++ {
		require.NoError(t, repo.CreateMessage(ctx, &models.Message{
			ConversationID: convA.ID, SenderID: users[1].ID, Text: "a",
		}))
	}
	require.NoError(t, repo.CreateMessage(ctx, &models.Message{
		ConversationID: convB.ID, SenderID: users[2].ID, Text: "b",
	}))
	// Own sends never count.
	require.NoError(t, repo.CreateMessage(ctx, &models.Message{
		ConversationID: convA.ID, SenderID: users[0].ID, Text: "mine",
	}))

	counts, err := repo.CountUnread(ctx, users[0].ID)
	require.NoError(t, err)
	assert.Equal(t, map[uint]int64{convA.ID: 2, convB.ID: 1}, counts)

	_, err = repo.MarkConversationRead(ctx, convA.ID, users[0].ID)
	require.NoError(t, err)

	counts, err = repo.CountUnread(ctx, users[0].ID)
	require.NoError(t, err)
	assert.Equal(t, map[uint]int64{convB.ID: 1}, counts)
}

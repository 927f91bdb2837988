package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"tastebook/internal/database"
	"tastebook/internal/models"
	"tastebook/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type chatFixture struct {
	svc   *ChatService
	db    *gorm.DB
	alice models.User
	bob   models.User
	carol models.User
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	f := &chatFixture{
		svc: NewChatService(repository.NewChatRepository(db), repository.NewUserRepository(db)),
		db:  db,
	}
	for i, u := range []*models.User{&f.alice, &f.bob, &f.carol} {
		u.Username = []string{"alice", "bob", "carol"}[i]
		u.Email = u.Username + "@example.com"
		require.NoError(t, db.Create(u).Error)
	}
	return f
}

func (f *chatFixture) openChat(t *testing.T, a, b uint) *models.Conversation {
	t.Helper()
	conv, err := f.svc.OpenDirectConversation(context.Background(), a, b)
	require.NoError(t, err)
	return conv
}

func TestOpenDirectConversationIdempotent(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	first := f.openChat(t, f.alice.ID, f.bob.ID)
	assert.Len(t, first.Participants, 2)

	// Repeating the request, in either direction, yields the same row.
	again, err := f.svc.OpenDirectConversation(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	reversed, err := f.svc.OpenDirectConversation(ctx, f.bob.ID, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, reversed.ID)

	var count int64
	require.NoError(t, f.db.Model(&models.Conversation{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestOpenDirectConversationValidation(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	_, err := f.svc.OpenDirectConversation(ctx, f.alice.ID, f.alice.ID)
	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, models.ErrCodeValidation, appErr.Code)

	_, err = f.svc.OpenDirectConversation(ctx, f.alice.ID, 0)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, models.ErrCodeValidation, appErr.Code)

	// Unknown target user.
	_, err = f.svc.OpenDirectConversation(ctx, f.alice.ID, 9999)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, models.ErrCodeNotFound, appErr.Code)
}

func TestSendMessageSanitizesMarkup(t *testing.T) {
	f := newChatFixture(t)
	conv := f.openChat(t, f.alice.ID, f.bob.ID)

	msg, _, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		UserID:         f.alice.ID,
		ConversationID: conv.ID,
		Text:           `  <script>alert("x")</script>hello <b>world</b>  `,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", msg.Text)
	require.NotNil(t, msg.Sender)
	assert.Equal(t, "alice", msg.Sender.Username)
}

func TestSendMessageRejectsEffectivelyEmpty(t *testing.T) {
	f := newChatFixture(t)
	conv := f.openChat(t, f.alice.ID, f.bob.ID)
	ctx := context.Background()

	for _, text := range []string{"", "   \n\t  ", "<b></b>", "<script>x=1</script>"} {
		_, _, err := f.svc.SendMessage(ctx, SendMessageInput{
			UserID: f.alice.ID, ConversationID: conv.ID, Text: text,
		})
		var appErr *models.AppError
		require.ErrorAs(t, err, &appErr, "text %q", text)
		assert.Equal(t, models.ErrCodeValidation, appErr.Code)
	}

	// Nothing was persisted by the rejected sends.
	var count int64
	require.NoError(t, f.db.Model(&models.Message{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSendMessageRejectsOverlongText(t *testing.T) {
	f := newChatFixture(t)
	conv := f.openChat(t, f.alice.ID, f.bob.ID)

	_, _, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		UserID:         f.alice.ID,
		ConversationID: conv.ID,
		Text:           strings.Repeat("a", maxMessageTextLen+1),
	})
	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, models.ErrCodeValidation, appErr.Code)
}

func TestSendMessageRequiresParticipancy(t *testing.T) {
	f := newChatFixture(t)
	conv := f.openChat(t, f.alice.ID, f.bob.ID)
	ctx := context.Background()

	_, _, err := f.svc.SendMessage(ctx, SendMessageInput{
		UserID: f.carol.ID, ConversationID: conv.ID, Text: "let me in",
	})
	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, models.ErrCodeForbidden, appErr.Code)

	// A missing conversation is indistinguishable from a foreign one.
	_, _, err = f.svc.SendMessage(ctx, SendMessageInput{
		UserID: f.carol.ID, ConversationID: 424242, Text: "hello?",
	})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, models.ErrCodeForbidden, appErr.Code)
}

func TestSendMessageEchoesClientKeyWithoutPersisting(t *testing.T) {
	f := newChatFixture(t)
	conv := f.openChat(t, f.alice.ID, f.bob.ID)

	msg, _, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		UserID:         f.alice.ID,
		ConversationID: conv.ID,
		Text:           "hi",
		ClientKey:      "local-xyz",
	})
	require.NoError(t, err)
	assert.Equal(t, "local-xyz", msg.ClientKey)

	var stored models.Message
	require.NoError(t, f.db.First(&stored, msg.ID).Error)
	assert.Empty(t, stored.ClientKey)
}

func TestGetHistoryClampsLimit(t *testing.T) {
	f := newChatFixture(t)
	conv := f.openChat(t, f.alice.ID, f.bob.ID)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		_, _, err := f.svc.SendMessage(ctx, SendMessageInput{
			UserID: f.alice.ID, ConversationID: conv.ID, Text: fmt.Sprintf("n%d", i),
		})
		require.NoError(t, err)
	}

	// Zero falls back to the default page size.
	msgs, err := f.svc.GetHistory(ctx, conv.ID, f.alice.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, DefaultHistoryLimit)

	// Oversized requests are capped, not rejected.
	msgs, err = f.svc.GetHistory(ctx, conv.ID, f.alice.ID, 5000)
	require.NoError(t, err)
	assert.Len(t, msgs, 30)

	msgs, err = f.svc.GetHistory(ctx, conv.ID, f.bob.ID, 5)
	require.NoError(t, err)
	assert.Len(t, msgs, 5)

	_, err = f.svc.GetHistory(ctx, conv.ID, f.carol.ID, 10)
	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, models.ErrCodeForbidden, appErr.Code)
}

func TestMarkReadAndUnreadCounts(t *testing.T) {
	f := newChatFixture(t)
	conv := f.openChat(t, f.alice.ID, f.bob.ID)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := f.svc.SendMessage(ctx, SendMessageInput{
			UserID: f.bob.ID, ConversationID: conv.ID, Text: "ping",
		})
		require.NoError(t, err)
	}

	counts, total, err := f.svc.UnreadCounts(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, int64(3), counts[conv.ID])

	// The sender sees nothing unread from their own messages.
	_, total, err = f.svc.UnreadCounts(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Zero(t, total)

	updated, err := f.svc.MarkRead(ctx, conv.ID, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated)

	_, total, err = f.svc.UnreadCounts(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Zero(t, total)

	// Outsiders cannot mark a conversation read.
	_, err = f.svc.MarkRead(ctx, conv.ID, f.carol.ID)
	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, models.ErrCodeForbidden, appErr.Code)
}

func TestIsParticipant(t *testing.T) {
	f := newChatFixture(t)
	conv := f.openChat(t, f.alice.ID, f.bob.ID)
	ctx := context.Background()

	ok, err := f.svc.IsParticipant(ctx, conv.ID, f.alice.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.IsParticipant(ctx, conv.ID, f.carol.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

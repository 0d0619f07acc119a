package database

import (
	"context"
	"errors"

	"caresim/models"

	"gorm.io/gorm"
)

var ErrChatNotFound = errors.New("chat not found")

// ChatStore persists chats. Get returns ErrChatNotFound for missing or
// deleted rows; Save overwrites every mutable column of an existing row.
type ChatStore interface {
	Create(ctx context.Context, chat *models.Chat) error
	Get(ctx context.Context, id uint) (*models.Chat, error)
	Save(ctx context.Context, chat *models.Chat) error
	ListByUser(ctx context.Context, userID uint, limit, offset int) ([]models.Chat, int64, error)
	Delete(ctx context.Context, id uint) error
}

type GormChatStore struct {
	db *gorm.DB
}

func NewGormChatStore(db *gorm.DB) *GormChatStore {
	return &GormChatStore{db: db}
}

func (s *GormChatStore) Create(ctx context.Context, chat *models.Chat) error {
	return s.db.WithContext(ctx).Create(chat).Error
}

func (s *GormChatStore) Get(ctx context.Context, id uint) (*models.Chat, error) {
	var chat models.Chat
	if err := s.db.WithContext(ctx).First(&chat, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	return &chat, nil
}

// Save updates the row in place. Unlike gorm's Save it never inserts, so a
// chat deleted while a background task was running stays deleted.
func (s *GormChatStore) Save(ctx context.Context, chat *models.Chat) error {
	result := s.db.WithContext(ctx).
		Model(chat).
		Select("*").
		Omit("id", "user_id", "created_at", "deleted_at").
		Updates(chat)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrChatNotFound
	}
	return nil
}

func (s *GormChatStore) ListByUser(ctx context.Context, userID uint, limit, offset int) ([]models.Chat, int64, error) {
	var chats []models.Chat
	var total int64

	query := s.db.WithContext(ctx).Model(&models.Chat{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.Order("updated_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&chats).Error
	if err != nil {
		return nil, 0, err
	}
	return chats, total, nil
}

func (s *GormChatStore) Delete(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&models.Chat{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrChatNotFound
	}
	return nil
}

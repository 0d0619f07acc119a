package database

import (
	"context"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"caresim/models"

	"github.com/patrickmn/go-cache"
)

// MemoryChatStore keeps chats in a go-cache without expiry. It hands out
// clones so callers never share state with the store. The service and
// controller tests run against it.
type MemoryChatStore struct {
	cache  *cache.Cache
	nextID atomic.Uint64
}

func NewMemoryChatStore() *MemoryChatStore {
	return &MemoryChatStore{
		cache: cache.New(cache.NoExpiration, 0),
	}
}

func chatKey(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func (s *MemoryChatStore) Create(_ context.Context, chat *models.Chat) error {
	now := time.Now()
	chat.ID = uint(s.nextID.Add(1))
	chat.CreatedAt = now
	chat.UpdatedAt = now
	if chat.Status == "" {
		chat.Status = models.StatusReady
	}
	s.cache.Set(chatKey(chat.ID), chat.Clone(), cache.NoExpiration)
	return nil
}

func (s *MemoryChatStore) Get(_ context.Context, id uint) (*models.Chat, error) {
	x, found := s.cache.Get(chatKey(id))
	if !found {
		return nil, ErrChatNotFound
	}
	return x.(*models.Chat).Clone(), nil
}

func (s *MemoryChatStore) Save(_ context.Context, chat *models.Chat) error {
	x, found := s.cache.Get(chatKey(chat.ID))
	if !found {
		return ErrChatNotFound
	}
	stored := x.(*models.Chat)

	cp := chat.Clone()
	cp.UserID = stored.UserID
	cp.CreatedAt = stored.CreatedAt
	cp.UpdatedAt = time.Now()
	chat.UpdatedAt = cp.UpdatedAt
	return s.cache.Replace(chatKey(chat.ID), cp, cache.NoExpiration)
}

func (s *MemoryChatStore) ListByUser(_ context.Context, userID uint, limit, offset int) ([]models.Chat, int64, error) {
	var owned []models.Chat
	for _, item := range s.cache.Items() {
		chat := item.Object.(*models.Chat)
		if chat.UserID == userID {
			owned = append(owned, *chat.Clone())
		}
	}

	sort.Slice(owned, func(i, j int) bool {
		if owned[i].UpdatedAt.Equal(owned[j].UpdatedAt) {
			return owned[i].ID > owned[j].ID
		}
		return owned[i].UpdatedAt.After(owned[j].UpdatedAt)
	})

	total := int64(len(owned))
	if offset >= len(owned) {
		return []models.Chat{}, total, nil
	}
	owned = owned[offset:]
	if limit > 0 && limit < len(owned) {
		owned = owned[:limit]
	}
	return owned, total, nil
}

func (s *MemoryChatStore) Delete(_ context.Context, id uint) error {
	if _, found := s.cache.Get(chatKey(id)); !found {
		return ErrChatNotFound
	}
	s.cache.Delete(chatKey(id))
	return nil
}

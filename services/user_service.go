package services

import (
	"context"
	"errors"
	"strconv"
	"time"

	"caresim/models"
	"caresim/utils"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user with this email or username already exists")
	ErrUserNotFound       = errors.New("user not found")
)

// GatewayAuthenticator exchanges user credentials for a gateway token.
type GatewayAuthenticator interface {
	SignIn(ctx context.Context, email, password string) (string, error)
}

type UserService struct {
	db     *gorm.DB
	auth   GatewayAuthenticator
	sealer *utils.Sealer
	tokens *cache.Cache
	log    *zap.Logger
}

func NewUserService(db *gorm.DB, auth GatewayAuthenticator, sealer *utils.Sealer, tokenTTL time.Duration, log *zap.Logger) *UserService {
	return &UserService{
		db:     db,
		auth:   auth,
		sealer: sealer,
		tokens: cache.New(tokenTTL, 2*tokenTTL),
		log:    log.Named("users"),
	}
}

func (s *UserService) CreateUser(ctx context.Context, req *models.CreateUserRequest) (*models.User, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("email = ? OR username = ?", req.Email, req.Username).
		Count(&count).Error
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUserExists
	}

	user := &models.User{
		Email:     req.Email,
		Username:  req.Username,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		IsActive:  true,
	}
	if err := user.HashPassword(); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, err
	}

	s.log.Info("user registered", zap.Uint("user_id", user.ID))
	return user, nil
}

// Login checks the password and then signs in to the gateway with the same
// credentials, storing the gateway token for later chat operations. A failed
// gateway sign-in does not fail the login; chat operations will report the
// missing credential instead.
func (s *UserService) Login(ctx context.Context, req *models.LoginRequest) (*models.User, error) {
	user, err := s.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive || !user.CheckPassword(req.Password) {
		return nil, ErrInvalidCredentials
	}

	s.tokens.Delete(cacheKey(user.ID))
	gatewayToken, err := s.auth.SignIn(ctx, req.Email, req.Password)
	if err != nil {
		s.log.Warn("gateway sign-in failed", zap.Uint("user_id", user.ID), zap.Error(err))
		return user, nil
	}

	sealed, err := s.sealer.Seal(gatewayToken)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(user).Update("gateway_token", sealed).Error; err != nil {
		return nil, err
	}
	s.tokens.Set(cacheKey(user.ID), gatewayToken, cache.DefaultExpiration)
	return user, nil
}

// GatewayToken returns the user's decrypted gateway token, "" if none is
// stored.
func (s *UserService) GatewayToken(ctx context.Context, userID uint) (string, error) {
	if x, found := s.tokens.Get(cacheKey(userID)); found {
		return x.(string), nil
	}

	var user models.User
	err := s.db.WithContext(ctx).Select("id", "gateway_token").First(&user, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}

	token, err := s.sealer.Open(user.GatewayToken)
	if err != nil {
		// a token sealed under a different key is as good as none
		s.log.Warn("cannot decrypt gateway token", zap.Uint("user_id", userID), zap.Error(err))
		return "", nil
	}
	if token != "" {
		s.tokens.Set(cacheKey(userID), token, cache.DefaultExpiration)
	}
	return token, nil
}

func (s *UserService) GetUserByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *UserService) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *UserService) UpdateUser(ctx context.Context, id uint, req *models.UpdateUserRequest) (*models.User, error) {
	user, err := s.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.FirstName != "" {
		user.FirstName = req.FirstName
	}
	if req.LastName != "" {
		user.LastName = req.LastName
	}
	if req.Username != "" {
		user.Username = req.Username
	}

	if err := s.db.WithContext(ctx).Save(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

func cacheKey(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10)
}

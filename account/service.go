// Package account stores identities and their credentials.
package account

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mk12/mira/config"
	"github.com/mk12/mira/model"
	"github.com/mk12/mira/plugin/hook"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service manages accounts. It implements social.Directory.
type Service struct {
	db          *gorm.DB
	validate    *validator.Validate
	minPassword int
	bcryptCost  int
	hooks       *hook.HookCenter
	logger      *zap.Logger
}

// NewService creates an account Service.
func NewService(db *gorm.DB, sec config.SecurityConfig, hooks *hook.HookCenter, logger *zap.Logger) (*Service, error) {
	v := validator.New()
	if err := RegisterValidations(v); err != nil {
		return nil, err
	}
	s := &Service{
		db:          db,
		validate:    v,
		minPassword: sec.MinPasswordLength,
		bcryptCost:  sec.BcryptCost,
		hooks:       hooks,
		logger:      logger,
	}
	if s.minPassword <= 0 {
		s.minPassword = 8
	}
	if s.bcryptCost == 0 {
		s.bcryptCost = bcrypt.DefaultCost
	}
	return s, nil
}

type credentials struct {
	Username string `validate:"required,username"`
	Password string `validate:"required"`
}

func (s *Service) check(username, password string) error {
	err := s.validate.Struct(credentials{Username: username, Password: password})
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if fe.Field() == "Username" {
				return ErrInvalidUsername
			}
		}
		return ErrPasswordTooShort
	}
	if err != nil {
		return err
	}
	if len(password) < s.minPassword {
		return fmt.Errorf("%w: need %d characters", ErrPasswordTooShort, s.minPassword)
	}
	return nil
}

func (s *Service) hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("account: hash: %w", err)
	}
	return string(h), nil
}

// Register creates an account.
func (s *Service) Register(ctx context.Context, username, password string) (*model.Account, error) {
	if err := s.check(username, password); err != nil {
		return nil, err
	}
	hash, err := s.hash(password)
	if err != nil {
		return nil, err
	}
	acc := &model.Account{
		Username:     username,
		PasswordHash: hash,
		LoginID:      uuid.NewString(),
		Status:       model.AccountStatusNormal,
	}
	if err := s.db.WithContext(ctx).Create(acc).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("account: create: %w", err)
	}
	s.logger.Info("account registered", zap.Int64("account_id", acc.ID), zap.String("username", acc.Username))
	if s.hooks != nil {
		if _, err := s.hooks.Trigger(ctx, hook.AfterAccountCreate, acc); err != nil {
			s.logger.Warn("hook failed", zap.String("event", hook.AfterAccountCreate), zap.Error(err))
		}
	}
	return acc, nil
}

// Authenticate verifies credentials and records the login.
func (s *Service) Authenticate(ctx context.Context, username, password, ip string) (*model.Account, error) {
	acc, err := s.GetByName(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if acc.Status == model.AccountStatusBanned {
		return nil, ErrBanned
	}

	now := time.Now()
	acc.LastLoginAt, acc.LastLoginIP = &now, ip
	// Best effort; a failed bookkeeping write does not fail the login.
	if err := s.db.WithContext(ctx).Model(acc).Updates(map[string]any{
		"last_login_at": now,
		"last_login_ip": ip,
	}).Error; err != nil {
		s.logger.Warn("record login", zap.Int64("account_id", acc.ID), zap.Error(err))
	}
	return acc, nil
}

// Get loads an account by id.
func (s *Service) Get(ctx context.Context, id int64) (*model.Account, error) {
	var acc model.Account
	if err := s.db.WithContext(ctx).First(&acc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		return nil, err
	}
	return &acc, nil
}

// GetByName loads an account by username.
func (s *Service) GetByName(ctx context.Context, username string) (*model.Account, error) {
	var acc model.Account
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, username)
		}
		return nil, err
	}
	return &acc, nil
}

// GetMany loads the listed accounts. Missing ids are absent from the result.
func (s *Service) GetMany(ctx context.Context, ids []int64) (map[int64]*model.Account, error) {
	out := make(map[int64]*model.Account, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var accs []model.Account
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&accs).Error; err != nil {
		return nil, err
	}
	for i := range accs {
		out[accs[i].ID] = &accs[i]
	}
	return out, nil
}

// HoldTx takes a shared row lock on each listed account inside tx, so a
// concurrent Delete waits for tx to finish. SQLite serialises whole
// transactions instead.
func (s *Service) HoldTx(tx *gorm.DB, ids ...int64) error {
	var found []int64
	err := tx.Model(&model.Account{}).
		Clauses(clause.Locking{Strength: clause.LockingStrengthShare}).
		Where("id IN ?", ids).Pluck("id", &found).Error
	if err != nil {
		return fmt.Errorf("account: hold %v: %w", ids, err)
	}
	for _, id := range ids {
		if !slices.Contains(found, id) {
			return fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
	}
	return nil
}

// ValidLogin reports whether a token issued for loginID is still current for
// the account. Changing the password or banning the account invalidates it.
func (s *Service) ValidLogin(ctx context.Context, id int64, loginID string) (bool, error) {
	acc, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return acc.LoginID == loginID && acc.Status != model.AccountStatusBanned, nil
}

// ChangePassword replaces the password and rotates the login id, which logs
// out every existing session.
func (s *Service) ChangePassword(ctx context.Context, id int64, current, next string) (*model.Account, error) {
	acc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(current)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if err := s.check(acc.Username, next); err != nil {
		return nil, err
	}
	hash, err := s.hash(next)
	if err != nil {
		return nil, err
	}
	acc.PasswordHash, acc.LoginID = hash, uuid.NewString()
	if err := s.db.WithContext(ctx).Model(acc).Select("password_hash", "login_id", "updated_at").Updates(acc).Error; err != nil {
		return nil, fmt.Errorf("account: change password: %w", err)
	}
	s.logger.Info("password changed", zap.Int64("account_id", id))
	return acc, nil
}

// SetBanned bans or reinstates an account. A ban takes effect on the next
// request of every session, since ValidLogin rejects banned accounts.
func (s *Service) SetBanned(ctx context.Context, id int64, banned bool) error {
	status := model.AccountStatusNormal
	if banned {
		status = model.AccountStatusBanned
	}
	res := s.db.WithContext(ctx).Model(&model.Account{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("account: set status %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	s.logger.Info("account status changed", zap.Int64("account_id", id), zap.Bool("banned", banned))
	return nil
}

// Delete removes the account after verifying its password. BeforeAccountDelete
// handlers run first and may abort; the social graph is purged there.
func (s *Service) Delete(ctx context.Context, id int64, password string) error {
	acc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	if s.hooks != nil {
		if _, err := s.hooks.Trigger(ctx, hook.BeforeAccountDelete, acc.ID); err != nil {
			return fmt.Errorf("account: delete %d: %w", id, err)
		}
	}
	if err := s.db.WithContext(ctx).Delete(&model.Account{}, id).Error; err != nil {
		return fmt.Errorf("account: delete %d: %w", id, err)
	}
	s.logger.Info("account deleted", zap.Int64("account_id", id))
	if s.hooks != nil {
		if _, err := s.hooks.Trigger(ctx, hook.AfterAccountDelete, acc.ID); err != nil {
			s.logger.Error("hook failed", zap.String("event", hook.AfterAccountDelete), zap.Int64("account_id", id), zap.Error(err))
		}
	}
	return nil
}

// isUniqueViolation detects duplicate-key errors from common database drivers.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "already exists")
}

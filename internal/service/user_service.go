package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/miniapp-entitlements/internal/errors"
	"github.com/miniapp-entitlements/internal/models"
	"github.com/miniapp-entitlements/internal/types"
)

// UserService handles wallet accounts
type UserService struct {
	users     UserRepository
	lifecycle *SubscriptionService
}

// NewUserService creates a new user service
func NewUserService(users UserRepository, lifecycle *SubscriptionService) *UserService {
	return &UserService{users: users, lifecycle: lifecycle}
}

// UserProfile is a user with its reconciled entitlement
type UserProfile struct {
	User         *models.User         `json:"user"`
	Tier         types.Tier           `json:"tier"`
	Subscription *models.Subscription `json:"subscription"`
}

// Register records the wallet on first contact. Repeated calls return the existing user.
func (s *UserService) Register(ctx context.Context, address string, info models.UserInfo) (*models.User, error) {
	if info.FID != nil && *info.FID <= 0 {
		return nil, errors.NewInvalidParameterError("fid", "must be positive")
	}
	return s.users.Create(ctx, address, info)
}

// Profile returns the user with its current tier, reconciling first
func (s *UserService) Profile(ctx context.Context, address string) (*UserProfile, error) {
	res, err := s.lifecycle.Reconcile(ctx, address)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, &types.ServiceError{
			Code:    types.CodeUserNotFound,
			Message: fmt.Sprintf("user not found: %s", address),
		}
	}

	return &UserProfile{User: user, Tier: res.Tier, Subscription: res.Subscription}, nil
}

// UpdateNotifications stores or clears the wallet's push notification details.
// Token and URL must be set together.
func (s *UserService) UpdateNotifications(ctx context.Context, address, token, notificationURL string) error {
	token = strings.TrimSpace(token)
	notificationURL = strings.TrimSpace(notificationURL)

	if token == "" && notificationURL == "" {
		return s.users.UpdateNotificationDetails(ctx, address, nil, nil)
	}
	if token == "" || notificationURL == "" {
		return errors.NewInvalidParameterError("notificationDetails", "token and url must be provided together")
	}

	parsed, err := url.Parse(notificationURL)
	if err != nil || parsed.Scheme != "https" || parsed.Host == "" {
		return errors.NewInvalidParameterError("url", "must be an absolute https URL")
	}

	return s.users.UpdateNotificationDetails(ctx, address, &token, &notificationURL)
}

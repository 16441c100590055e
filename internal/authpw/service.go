// Package authpw provides email/password authentication.
package authpw

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"paperflow/api/internal/store"
	"paperflow/api/internal/util"
)

// Service provides email/password authentication
type Service struct {
	store      UserStore
	reconciler PendingReconciler
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) (store.User, error)
}

// PendingReconciler links document role bindings that were created for the
// new account's email or external id before it existed.
type PendingReconciler interface {
	ReconcilePendingAssignments(ctx context.Context, user store.User) (int, error)
}

// NewService creates a new auth service. reconciler may be nil.
func NewService(userStore UserStore, reconciler PendingReconciler) *Service {
	return &Service{
		store:      userStore,
		reconciler: reconciler,
	}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email      string
	Password   string
	Name       string
	ExternalID string
}

// SignUpResponse contains sign-up result
type SignUpResponse struct {
	User            store.User
	LinkedDocuments int
}

// SignUp creates a new user account and claims any document roles held open
// for it.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResponse, error) {
	if req.Email == "" || req.Password == "" || req.Name == "" {
		return nil, errors.New("email, password, and name are required")
	}

	if len(req.Password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}

	// Check if email already exists
	if _, err := s.store.GetUserByEmail(ctx, req.Email); err == nil {
		return nil, errors.New("email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, store.User{
		ID:           util.NewID("usr"),
		ExternalID:   req.ExternalID,
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         "USER",
	})
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	linked := 0
	if s.reconciler != nil {
		linked, err = s.reconciler.ReconcilePendingAssignments(ctx, user)
		if err != nil {
			return nil, fmt.Errorf("reconcile pending assignments: %w", err)
		}
	}

	return &SignUpResponse{
		User:            user,
		LinkedDocuments: linked,
	}, nil
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Email    string
	Password string
}

// SignIn authenticates a user
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	if req.Email == "" || req.Password == "" {
		return store.User{}, errors.New("email and password are required")
	}

	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return store.User{}, errors.New("invalid email or password")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, errors.New("invalid email or password")
	}

	return user, nil
}

package authpw

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"paperflow/api/internal/store"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users      map[string]store.User
	emailIndex map[string]string // email -> userID
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:      make(map[string]store.User),
		emailIndex: make(map[string]string),
	}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[email]; ok {
		return m.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if user, ok := m.users[id]; ok {
		return user, nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) (store.User, error) {
	m.users[user.ID] = user
	m.emailIndex[user.Email] = user.ID
	return user, nil
}

type mockReconciler struct {
	linked   int
	err      error
	lastUser store.User
}

func (m *mockReconciler) ReconcilePendingAssignments(ctx context.Context, user store.User) (int, error) {
	m.lastUser = user
	return m.linked, m.err
}

func TestSignUpCreatesUserAndReconciles(t *testing.T) {
	userStore := newMockUserStore()
	reconciler := &mockReconciler{linked: 2}
	service := NewService(userStore, reconciler)

	resp, err := service.SignUp(context.Background(), SignUpRequest{
		Email:      "minsu@example.com",
		Password:   "correct-horse",
		Name:       "Kim Minsu",
		ExternalID: "2021001",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if resp.User.ID == "" {
		t.Fatal("expected generated user id")
	}
	if resp.User.PasswordHash == "correct-horse" {
		t.Fatal("password must be hashed")
	}
	if resp.LinkedDocuments != 2 {
		t.Fatalf("LinkedDocuments = %d, want 2", resp.LinkedDocuments)
	}
	if reconciler.lastUser.ExternalID != "2021001" {
		t.Fatalf("reconciler saw user %+v", reconciler.lastUser)
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	userStore := newMockUserStore()
	service := NewService(userStore, nil)

	req := SignUpRequest{Email: "minsu@example.com", Password: "correct-horse", Name: "Kim Minsu"}
	if _, err := service.SignUp(context.Background(), req); err != nil {
		t.Fatalf("first SignUp() error = %v", err)
	}
	if _, err := service.SignUp(context.Background(), req); err == nil {
		t.Fatal("expected duplicate email to be rejected")
	}
}

func TestSignUpValidation(t *testing.T) {
	service := NewService(newMockUserStore(), nil)

	if _, err := service.SignUp(context.Background(), SignUpRequest{Email: "a@b.com", Password: "pw"}); err == nil {
		t.Fatal("expected missing name to be rejected")
	}
	if _, err := service.SignUp(context.Background(), SignUpRequest{Email: "a@b.com", Password: "short", Name: "A"}); err == nil {
		t.Fatal("expected short password to be rejected")
	}
}

func TestSignIn(t *testing.T) {
	userStore := newMockUserStore()
	hash, _ := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.DefaultCost)
	_, _ = userStore.CreateUser(context.Background(), store.User{
		ID:           "usr_1",
		Email:        "minsu@example.com",
		Name:         "Kim Minsu",
		PasswordHash: string(hash),
	})
	service := NewService(userStore, nil)

	user, err := service.SignIn(context.Background(), SignInRequest{Email: "minsu@example.com", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if user.ID != "usr_1" {
		t.Fatalf("unexpected user: %+v", user)
	}

	if _, err := service.SignIn(context.Background(), SignInRequest{Email: "minsu@example.com", Password: "wrong"}); err == nil {
		t.Fatal("expected wrong password to fail")
	}
	if _, err := service.SignIn(context.Background(), SignInRequest{Email: "nobody@example.com", Password: "correct-horse"}); err == nil {
		t.Fatal("expected unknown email to fail")
	}
}

package authpw

import (
	"context"
	"database/sql"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"folio/api/internal/store"
)

type fakeUserStore struct {
	users map[string]store.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]store.User{}}
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := f.users[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeUserStore) CreateUser(_ context.Context, user store.User) (store.User, error) {
	if _, ok := f.users[user.Email]; ok {
		return store.User{}, store.ErrDuplicateEmail
	}
	f.users[user.Email] = user
	return user, nil
}

func TestSignUpAndSignIn(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpRequest{
		Email:       "Writer@Example.com",
		Password:    "correct-horse",
		DisplayName: "Writer",
	})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if user.Email != "writer@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}
	if user.Role != "user" {
		t.Fatalf("default role = %q, want user", user.Role)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("correct-horse")); err != nil {
		t.Fatalf("stored hash does not match password: %v", err)
	}

	signedIn, err := svc.SignIn(ctx, SignInRequest{Email: "writer@example.com", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if signedIn.ID != user.ID {
		t.Fatalf("SignIn returned wrong user: %s", signedIn.ID)
	}
}

func TestSignUpValidation(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@b.c", Password: "short", DisplayName: "A"}); err == nil {
		t.Fatal("short password should be rejected")
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Password: "long-enough-pw", DisplayName: "A"}); err == nil {
		t.Fatal("missing email should be rejected")
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	req := SignUpRequest{Email: "dup@example.com", Password: "long-enough-pw", DisplayName: "Dup"}
	if _, err := svc.SignUp(ctx, req); err != nil {
		t.Fatalf("first SignUp: %v", err)
	}
	if _, err := svc.SignUp(ctx, req); err != store.ErrDuplicateEmail {
		t.Fatalf("duplicate SignUp: got %v, want ErrDuplicateEmail", err)
	}
}

func TestSignInWrongPassword(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "w@example.com", Password: "long-enough-pw", DisplayName: "W"}); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Email: "w@example.com", Password: "wrong-password"}); err != ErrInvalidCredentials {
		t.Fatalf("wrong password: got %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Email: "nobody@example.com", Password: "whatever-pw"}); err != ErrInvalidCredentials {
		t.Fatalf("unknown email: got %v, want ErrInvalidCredentials", err)
	}
}

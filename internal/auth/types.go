// ABOUTME: Registration request model and the collaborators it depends on
// ABOUTME: Validator tags, recaptcha, breach lookup and password hashing interfaces

package auth

import (
	"context"

	"github.com/nainya/resourcestore/pkg/resource"
	"github.com/nainya/resourcestore/pkg/search"
	"github.com/nainya/resourcestore/pkg/version"
)

// NewUserRequest is the body of POST auth/newuser
type NewUserRequest struct {
	FirstName        string `json:"firstName" validate:"required"`
	LastName         string `json:"lastName" validate:"required"`
	Email            string `json:"email" validate:"required,email"`
	Password         string `json:"password" validate:"required,min=8"`
	RecaptchaToken   string `json:"recaptchaToken" validate:"required"`
	RecaptchaSiteKey string `json:"recaptchaSiteKey,omitempty"`
	ProjectID        string `json:"projectId,omitempty"`
}

// Store is the slice of the resource store registration needs
type Store interface {
	Create(ctx context.Context, resourceType string, content resource.Resource) (*version.Record, error)
	Search(ctx context.Context, req search.Request) (*search.Result, error)
}

// RecaptchaVerifier checks a recaptcha token against a secret key
type RecaptchaVerifier interface {
	Verify(ctx context.Context, secretKey, token string) (bool, error)
}

// BreachChecker reports how many times a password appears in breach corpora
type BreachChecker interface {
	Breaches(ctx context.Context, password string) (int, error)
}

// PasswordHasher hashes passwords for storage
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// Config holds the main site recaptcha keys
type Config struct {
	RecaptchaSiteKey   string
	RecaptchaSecretKey string
}

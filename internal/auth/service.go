// ABOUTME: New-user registration over the resource store
// ABOUTME: Validates, verifies recaptcha, rejects duplicates and breached passwords, then creates the User

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nainya/resourcestore/internal/logger"
	"github.com/nainya/resourcestore/pkg/batch"
	"github.com/nainya/resourcestore/pkg/resource"
	"github.com/nainya/resourcestore/pkg/search"
	"github.com/nainya/resourcestore/pkg/store"
	"github.com/nainya/resourcestore/pkg/version"
)

// NewUserPath is the route registration is served under
const NewUserPath = "auth/newuser"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var fieldMessages = map[string]string{
	"firstName":      "First name is required",
	"lastName":       "Last name is required",
	"email":          "Valid email address is required",
	"password":       "Password must be at least 8 characters",
	"recaptchaToken": "Recaptcha token is required",
}

// Service registers users
type Service struct {
	store     Store
	cfg       Config
	recaptcha RecaptchaVerifier
	breaches  BreachChecker
	hasher    PasswordHasher
	log       *logger.Logger
}

// NewService wires the registration flow. A nil hasher selects bcrypt.
func NewService(st Store, cfg Config, recaptcha RecaptchaVerifier, breaches BreachChecker, hasher PasswordHasher, log *logger.Logger) *Service {
	if hasher == nil {
		hasher = NewBcryptHasher(0)
	}
	return &Service{
		store:     st,
		cfg:       cfg,
		recaptcha: recaptcha,
		breaches:  breaches,
		hasher:    hasher,
		log:       logger.OrNop(log).Component("auth"),
	}
}

// Validate checks the request fields
func Validate(req NewUserRequest) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		field := fieldErrs[0].Field()
		msg, ok := fieldMessages[field]
		if !ok {
			msg = fieldErrs[0].Error()
		}
		return resource.InvalidField(field, "%s", msg)
	}
	return resource.Validationf("invalid registration request: %v", err)
}

// Register creates a User resource for req
func (s *Service) Register(ctx context.Context, req NewUserRequest) (*version.Record, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	secret, project, err := s.recaptchaSecret(ctx, req.RecaptchaSiteKey)
	if err != nil {
		return nil, err
	}

	ok, err := s.recaptcha.Verify(ctx, secret, req.RecaptchaToken)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, resource.Validationf("Recaptcha failed")
	}

	projectID := req.ProjectID
	if projectID == "" && project != nil {
		projectID = project.ID()
	}

	exists, err := s.emailRegistered(ctx, req.Email, projectID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, resource.InvalidField("email", "Email already registered")
	}

	pwns, err := s.breaches.Breaches(ctx, req.Password)
	if err != nil {
		return nil, err
	}
	if pwns > 0 {
		return nil, resource.InvalidField("password", "Password found in breach database")
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	user := resource.Resource{
		"resourceType": "User",
		"firstName":    req.FirstName,
		"lastName":     req.LastName,
		"email":        req.Email,
		"passwordHash": hash,
	}
	if projectID != "" {
		user["project"] = map[string]any{"reference": "Project/" + projectID}
	}

	s.log.Info("Create user").Str("email", req.Email).Send()
	rec, err := s.store.Create(ctx, "User", user)
	if err != nil {
		return nil, err
	}
	s.log.Info("Created user").Str("id", rec.ID).Send()
	return rec, nil
}

// recaptchaSecret resolves the secret for siteKey. A key other than the
// main site key must belong to a Project, which is returned as well.
func (s *Service) recaptchaSecret(ctx context.Context, siteKey string) (string, resource.Resource, error) {
	if siteKey == s.cfg.RecaptchaSiteKey {
		return s.cfg.RecaptchaSecretKey, nil, nil
	}
	// an empty search value would match any project with a site key
	if siteKey == "" {
		return "", nil, resource.Validationf("Invalid recaptchaSiteKey")
	}

	res, err := s.store.Search(ctx, search.NewQueryBuilder("Project").
		Where("recaptcha-site-key", siteKey).
		Count(1).
		Build())
	if err != nil {
		return "", nil, err
	}
	if len(res.Entries) == 0 {
		return "", nil, resource.Validationf("Invalid recaptchaSiteKey")
	}

	project := res.Entries[0]
	sites, _ := project["site"].([]any)
	for _, item := range sites {
		site, _ := item.(map[string]any)
		if key, _ := site["recaptchaSiteKey"].(string); key != siteKey {
			continue
		}
		if secret, _ := site["recaptchaSecretKey"].(string); secret != "" {
			return secret, project, nil
		}
	}
	return "", nil, resource.Validationf("Invalid recaptchaSecretKey")
}

func (s *Service) emailRegistered(ctx context.Context, email, projectID string) (bool, error) {
	qb := search.NewQueryBuilder("User").Where("email", email).Count(1)
	if projectID != "" {
		qb.Where("project", "Project/"+projectID)
	} else {
		qb.WhereOp("project", search.OpMissing, "true")
	}

	res, err := s.store.Search(ctx, qb.Build())
	if err != nil {
		return false, err
	}
	return res.Total > 0, nil
}

// HandleEntry serves POST auth/newuser batch entries
func (s *Service) HandleEntry(ctx context.Context, req batch.EntryRequest) (*batch.Result, error) {
	if req.Path != NewUserPath {
		return nil, resource.NotFoundf("unknown auth operation %q", req.Path)
	}
	if req.Method != http.MethodPost {
		return nil, resource.Validationf("method %s is not supported for %q", req.Method, req.Path)
	}

	body, err := json.Marshal(req.Resource)
	if err != nil {
		return nil, resource.Validationf("malformed registration body: %v", err)
	}
	var newUser NewUserRequest
	if err := json.Unmarshal(body, &newUser); err != nil {
		return nil, resource.Validationf("malformed registration body: %v", err)
	}

	rec, err := s.Register(ctx, newUser)
	if err != nil {
		return nil, err
	}
	return &batch.Result{
		Status:       http.StatusOK,
		Resource:     PublicUser(rec.Resource()),
		Location:     store.Location(rec),
		Etag:         store.ETag(rec),
		LastModified: resource.FormatTime(rec.LastUpdated),
	}, nil
}

// PublicUser drops the password hash from a User resource
func PublicUser(user resource.Resource) resource.Resource {
	out := user.Clone()
	delete(out, "passwordHash")
	return out
}

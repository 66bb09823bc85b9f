package iam

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/bcrypt"

	"github.com/globalip/ipapi/cmd/ipapi/internal/auth"
	"github.com/globalip/ipapi/cmd/ipapi/internal/db/models"
	"github.com/globalip/ipapi/cmd/ipapi/internal/otp"
	"github.com/globalip/ipapi/cmd/ipapi/internal/repository"
	"github.com/globalip/ipapi/cmd/ipapi/internal/telemetry"
)

const tracerName = "ipapi/services/iam"

// Dependencies are the collaborators the service needs.
type Dependencies struct {
	Users    repository.UserRepository
	Tokens   *auth.TokenService
	Codes    otp.Registry
	Delivery CodeDelivery
	Logger   logrus.FieldLogger
	Metrics  *telemetry.Metrics
}

// Config tunes the login flows.
type Config struct {
	// ExternalProvider names the third-party provider; it is recorded on
	// provisioned accounts and used for fallback identities.
	ExternalProvider string
	// ExternalDefaultRole is assigned to every third-party login.
	ExternalDefaultRole auth.Role
	// AutoProvision creates a local account on first third-party login.
	AutoProvision bool
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

type service struct {
	users    repository.UserRepository
	tokens   *auth.TokenService
	codes    otp.Registry
	delivery CodeDelivery
	logger   logrus.FieldLogger
	metrics  *telemetry.Metrics
	cfg      Config
}

// NewService wires the login flows.
func NewService(deps Dependencies, cfg Config) (Service, error) {
	if deps.Users == nil {
		return nil, errors.New("iam: user repository is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("iam: token service is required")
	}
	if deps.Codes == nil {
		return nil, errors.New("iam: login code registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Delivery == nil {
		deps.Delivery = LogDelivery{Logger: deps.Logger}
	}
	if cfg.ExternalDefaultRole == "" {
		cfg.ExternalDefaultRole = auth.RoleUser
	}
	if !cfg.ExternalDefaultRole.Valid() {
		return nil, fmt.Errorf("iam: external default role %q is not a known role", cfg.ExternalDefaultRole)
	}
	if cfg.ExternalProvider == "" {
		cfg.ExternalProvider = "external"
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}

	return &service{
		users:    deps.Users,
		tokens:   deps.Tokens,
		codes:    deps.Codes,
		delivery: deps.Delivery,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		cfg:      cfg,
	}, nil
}

func (s *service) LoginWithPassword(ctx context.Context, identity, password string) (auth.IssuedToken, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "iam.LoginWithPassword",
		attribute.String(telemetry.AttrLoginMethod, "password"),
	)
	defer span.End()

	identity = repository.NormalizeEmail(identity)
	rec, err := s.users.FindByIdentity(ctx, identity)
	if err != nil {
		telemetry.RecordError(span, err)
		return auth.IssuedToken{}, fmt.Errorf("%w: %v", auth.ErrCredentialStoreUnavailable, err)
	}
	if rec == nil || rec.PasswordHash == "" {
		return auth.IssuedToken{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)); err != nil {
		return auth.IssuedToken{}, ErrInvalidCredentials
	}

	return s.issueForRecord(ctx, *rec, "password")
}

func (s *service) RequestLoginCode(ctx context.Context, identity string) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "iam.RequestLoginCode",
		attribute.String(telemetry.AttrLoginMethod, "code"),
	)
	defer span.End()

	identity = repository.NormalizeEmail(identity)
	if err := auth.ValidateIdentity(identity); err != nil {
		return ErrUnknownIdentity
	}
	exists, err := s.users.ExistsByIdentity(ctx, identity)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("%w: %v", auth.ErrCredentialStoreUnavailable, err)
	}
	if !exists {
		return ErrUnknownIdentity
	}

	code, err := s.codes.Request(ctx, identity)
	if err != nil {
		if errors.Is(err, otp.ErrCodeAlreadyOutstanding) {
			s.metrics.LoginCode("outstanding")
		}
		telemetry.RecordError(span, err)
		return err
	}
	s.metrics.LoginCode("issued")

	if err := s.delivery.Deliver(ctx, identity, code); err != nil {
		s.logger.WithError(err).WithField("identity", identity).Warn("login code delivery failed")
	}
	return nil
}

func (s *service) VerifyLoginCode(ctx context.Context, identity, code string) (auth.IssuedToken, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "iam.VerifyLoginCode",
		attribute.String(telemetry.AttrLoginMethod, "code"),
	)
	defer span.End()

	identity = repository.NormalizeEmail(identity)
	if err := s.codes.Verify(ctx, identity, code); err != nil {
		s.metrics.LoginCode(codeResult(err))
		telemetry.RecordError(span, err)
		return auth.IssuedToken{}, err
	}
	s.metrics.LoginCode("verified")

	rec, err := s.users.FindByIdentity(ctx, identity)
	if err != nil {
		telemetry.RecordError(span, err)
		return auth.IssuedToken{}, fmt.Errorf("%w: %v", auth.ErrCredentialStoreUnavailable, err)
	}
	if rec == nil {
		// Account removed between request and redemption.
		return auth.IssuedToken{}, ErrUnknownIdentity
	}
	return s.issueForRecord(ctx, *rec, "code")
}

func (s *service) LoginExternal(ctx context.Context, ext ExternalIdentity) (auth.IssuedToken, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "iam.LoginExternal",
		attribute.String(telemetry.AttrLoginMethod, "external"),
	)
	defer span.End()

	identity, name, err := s.externalIdentity(ext)
	if err != nil {
		return auth.IssuedToken{}, err
	}

	if s.cfg.AutoProvision {
		if err := s.provisionExternal(ctx, identity, name); err != nil {
			telemetry.RecordError(span, err)
			return auth.IssuedToken{}, err
		}
	}

	// The token carries the configured default role, not any stored role.
	// Request-time resolution prefers the stored record when one exists.
	issued, err := s.tokens.Issue(auth.Provisional(identity, s.cfg.ExternalDefaultRole))
	if err != nil {
		telemetry.RecordError(span, err)
		return auth.IssuedToken{}, err
	}
	s.metrics.TokenIssued("external")
	span.SetAttributes(attribute.String(telemetry.AttrPrincipalKind, auth.KindProvisional.String()))
	return issued, nil
}

func (s *service) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "iam.Register")
	defer span.End()

	email := repository.NormalizeEmail(in.Email)
	if err := auth.ValidateIdentity(email); err != nil || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: email is not valid", ErrInvalidRegistration)
	}
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidRegistration)
	}
	if in.Password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidRegistration)
	}

	role := auth.RoleUser
	if strings.TrimSpace(in.Role) != "" {
		parsed, err := auth.ParseRole(in.Role)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
		}
		role = parsed
	}
	if role != auth.RoleUser {
		return nil, ErrRoleNotSelfAssignable
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	hashStr := string(hash)

	user := &models.User{
		Email:        email,
		Username:     username,
		PasswordHash: &hashStr,
		Role:         role.String(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrEmailExists
		}
		telemetry.RecordError(span, err)
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"user_id": user.ID, "email": user.Email}).Info("user registered")
	return user, nil
}

func (s *service) ListUsers(ctx context.Context) ([]models.User, error) {
	return s.users.List(ctx)
}

func (s *service) issueForRecord(ctx context.Context, rec auth.UserRecord, method string) (auth.IssuedToken, error) {
	issued, err := s.tokens.Issue(auth.StoreBacked(rec))
	if err != nil {
		return auth.IssuedToken{}, err
	}
	if err := s.users.UpdateLastLogin(ctx, rec.ID); err != nil {
		s.logger.WithError(err).WithField("user_id", rec.ID).Warn("failed to record last login")
	}
	s.metrics.TokenIssued(method)
	return issued, nil
}

// externalIdentity picks the identity for a third-party login: the asserted
// email when the provider verified it, else <login>@<provider>.oauth.
// An unverified email never maps onto a stored account.
func (s *service) externalIdentity(ext ExternalIdentity) (identity, name string, err error) {
	if ext.EmailVerified {
		identity = repository.NormalizeEmail(ext.Email)
	}
	if identity == "" {
		login := strings.TrimSpace(ext.PreferredUsername)
		if login == "" {
			login = strings.TrimSpace(ext.Subject)
		}
		if login == "" {
			return "", "", ErrExternalIdentityIncomplete
		}
		identity = strings.ToLower(login) + "@" + strings.ToLower(s.cfg.ExternalProvider) + ".oauth"
	}
	if err := auth.ValidateIdentity(identity); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrExternalIdentityIncomplete, err)
	}

	name = strings.TrimSpace(ext.Name)
	if name == "" {
		name = identity
		if at := strings.IndexByte(identity, '@'); at > 0 {
			name = identity[:at]
		}
	}
	return identity, name, nil
}

func (s *service) provisionExternal(ctx context.Context, identity, name string) error {
	exists, err := s.users.ExistsByIdentity(ctx, identity)
	if err != nil {
		return fmt.Errorf("%w: %v", auth.ErrCredentialStoreUnavailable, err)
	}
	if exists {
		return nil
	}

	provider := s.cfg.ExternalProvider
	user := &models.User{
		Email:    identity,
		Username: name,
		Role:     auth.RoleUser.String(),
		Provider: &provider,
	}
	if err := s.users.Create(ctx, user); err != nil {
		// Lost a race with a concurrent first login.
		if errors.Is(err, repository.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("provision external user: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"user_id": user.ID, "email": identity, "provider": provider}).Info("provisioned account from external login")
	return nil
}

func codeResult(err error) string {
	switch {
	case errors.Is(err, otp.ErrCodeNotFound):
		return "not_found"
	case errors.Is(err, otp.ErrCodeExpired):
		return "expired"
	case errors.Is(err, otp.ErrCodeMismatch):
		return "mismatch"
	default:
		return "error"
	}
}

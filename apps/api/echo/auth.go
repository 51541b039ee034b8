package echoapi

import (
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/Haizard/mult-tenant-school-sub002/core"
)

const (
	tokenContextKey = "userToken"
	audience        = "Academia"
)

// roles allowed to manage the library catalog & circulation
var staffRoles = []string{"admin:", "admin:owner", "admin:principal", "librarian:"}

// Claims represents the authorization claims transmitted via a JWT.
// Subject holds the user ID.
type Claims struct {
	jwt.StandardClaims
	TenantID string   `json:"tenantId"`
	Username string   `json:"username,omitempty"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// Valid also requires the identity every library request is scoped by.
func (c Claims) Valid() error {
	if err := c.StandardClaims.Valid(); err != nil {
		return err
	}
	if c.Subject == "" || c.TenantID == "" {
		return errors.New("token is missing the user or the tenant")
	}
	return nil
}

func (c Claims) Principal() core.Principal {
	return core.Principal{UserID: c.Subject, TenantID: c.TenantID, Roles: c.Roles}
}

func (c Claims) IsStaff() bool {
	return lo.SomeBy(c.Roles, func(role string) bool { return lo.Contains(staffRoles, role) })
}

// jwtConfig is the JWT auth middleware config.
func jwtConfig(conf *core.Config) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    []byte(conf.SecretKey),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    tokenContextKey,
		Claims:        new(Claims),
	}
}

func NewClaims(conf *core.Config, userID, tenantID string, roles ...string) *Claims {
	now := time.Now()
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   userID,
			Audience:  audience,
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  now.Unix(),
		},
		TenantID: tenantID,
		Roles:    roles,
	}
}

// GenerateToken generates a signed JWT token string representing the user Claims.
func GenerateToken(conf *core.Config, claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.GetSigningMethod(middleware.AlgorithmHS256), claims)
	ss, err := token.SignedString([]byte(conf.SecretKey))
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(tokenContextKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

package httpapi

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

const (
	tokenIssuer      = "tokoledger"
	tokenAudience    = "tokoledger-api"
	userStoreTimeout = 5 * time.Second
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInactiveAccount    = errors.New("account is inactive")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrInvalidStaff       = errors.New("invalid staff account")
)

// UserStore persists accounts. The AuthManager keeps a read-through copy.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type AuthConfig struct {
	Secret     string
	TokenTTL   time.Duration
	ManagerPIN string
}

type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	pinHash  string
	store    UserStore
	log      logrus.FieldLogger

	mu       sync.RWMutex
	accounts map[string]domain.UserAccount
}

type sessionClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(ctx context.Context, cfg AuthConfig, users UserStore, logger logrus.FieldLogger) *AuthManager {
	if cfg.Secret == "" {
		cfg.Secret = "dev-change-me"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 8 * time.Hour
	}
	m := &AuthManager{
		secret:   []byte(cfg.Secret),
		tokenTTL: cfg.TokenTTL,
		store:    users,
		log:      logger.WithField("component", "auth"),
		accounts: make(map[string]domain.UserAccount),
	}
	if pin := strings.TrimSpace(cfg.ManagerPIN); pin != "" {
		hashed, err := hashSecret(pin)
		if err != nil {
			m.log.WithError(err).Error("manager PIN could not be hashed, PIN checks will fail")
		}
		m.pinHash = hashed
	}
	m.syncAccounts(ctx)
	return m
}

func normalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.syncAccounts(ctx)

	a.mu.RLock()
	account, ok := a.accounts[normalizeUsername(req.Username)]
	a.mu.RUnlock()
	if !ok || !matchesHash(account.Password, req.Password) {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}
	if !account.Active {
		return domain.LoginResponse{}, ErrInactiveAccount
	}

	now := time.Now().UTC()
	expiresAt := now.Add(a.tokenTTL)
	claims := sessionClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        xid.New("jti"),
			Issuer:    tokenIssuer,
			Audience:  jwtlib.ClaimStrings{tokenAudience},
			Subject:   account.Username,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: account.Role,
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("sign token: %w", err)
	}

	return domain.LoginResponse{
		AccessToken: signed,
		Role:        account.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// ParseToken verifies signature, issuer, audience and expiry and returns the
// actor the token was issued to.
func (a *AuthManager) ParseToken(raw string) (domain.Actor, error) {
	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithAudience(tokenAudience),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithLeeway(30*time.Second),
	)
	claims := &sessionClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwtlib.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return domain.Actor{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Role == "" {
		return domain.Actor{}, ErrInvalidToken
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

// ValidateManagerPIN is always false when no PIN is configured.
func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	return matchesHash(a.pinHash, strings.TrimSpace(pin))
}

func validateStaffRequest(username, password string) error {
	switch {
	case len(username) < 4:
		return fmt.Errorf("%w: username must be at least 4 characters", ErrInvalidStaff)
	case strings.ContainsAny(username, " \t\r\n"):
		return fmt.Errorf("%w: username must not contain spaces", ErrInvalidStaff)
	case len(strings.TrimSpace(password)) < 6:
		return fmt.Errorf("%w: password must be at least 6 characters", ErrInvalidStaff)
	}
	return nil
}

func (a *AuthManager) CreateStaff(ctx context.Context, req domain.StaffCreateRequest) (domain.StaffUser, error) {
	a.syncAccounts(ctx)

	username := normalizeUsername(req.Username)
	if err := validateStaffRequest(username, req.Password); err != nil {
		return domain.StaffUser{}, err
	}

	a.mu.RLock()
	_, taken := a.accounts[username]
	a.mu.RUnlock()
	if taken {
		return domain.StaffUser{}, fmt.Errorf("username %q: %w", username, store.ErrAlreadyExists)
	}

	hashed, err := hashSecret(req.Password)
	if err != nil {
		return domain.StaffUser{}, fmt.Errorf("hash password: %w", err)
	}
	account := domain.UserAccount{
		Username:  username,
		Password:  hashed,
		Role:      domain.RoleStaff,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if a.store != nil {
		if err := a.store.CreateUser(ctx, account); err != nil {
			return domain.StaffUser{}, err
		}
	}

	a.mu.Lock()
	a.accounts[username] = account
	a.mu.Unlock()

	a.log.WithField("username", username).Info("staff account created")
	return staffView(account), nil
}

func (a *AuthManager) ListStaff(ctx context.Context) []domain.StaffUser {
	a.syncAccounts(ctx)

	a.mu.RLock()
	out := make([]domain.StaffUser, 0, len(a.accounts))
	for _, account := range a.accounts {
		if account.Role == domain.RoleStaff {
			out = append(out, staffView(account))
		}
	}
	a.mu.RUnlock()

	slices.SortFunc(out, func(x, y domain.StaffUser) int {
		return strings.Compare(x.Username, y.Username)
	})
	return out
}

func staffView(account domain.UserAccount) domain.StaffUser {
	return domain.StaffUser{
		Username:  account.Username,
		Role:      account.Role,
		Active:    account.Active,
		CreatedAt: account.CreatedAt,
	}
}

// syncAccounts reloads accounts from the store. Plain-text passwords left by
// older deployments are hashed and written back.
func (a *AuthManager) syncAccounts(ctx context.Context) {
	if a.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, userStoreTimeout)
	defer cancel()

	accounts, err := a.store.ListUsers(ctx)
	if err != nil {
		a.log.WithError(err).Warn("user store unavailable, using cached accounts")
		return
	}

	fresh := make(map[string]domain.UserAccount, len(accounts))
	for _, account := range accounts {
		account.Username = normalizeUsername(account.Username)
		if account.Username == "" {
			continue
		}
		if !isBcryptHash(account.Password) {
			hashed, err := hashSecret(account.Password)
			if err != nil {
				continue
			}
			account.Password = hashed
			if err := a.store.UpdateUserPassword(ctx, account.Username, hashed); err != nil {
				a.log.WithError(err).WithField("username", account.Username).Warn("could not persist upgraded password hash")
			}
		}
		fresh[account.Username] = account
	}

	a.mu.Lock()
	for username, account := range fresh {
		a.accounts[username] = account
	}
	a.mu.Unlock()
}

func matchesHash(hash, plain string) bool {
	if strings.TrimSpace(plain) == "" || !isBcryptHash(hash) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

func hashSecret(plain string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	return string(hashed), err
}

func isBcryptHash(value string) bool {
	_, err := bcrypt.Cost([]byte(value))
	return err == nil
}

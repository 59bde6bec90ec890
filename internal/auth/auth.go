package auth

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/wavelink-chat/wavelink/internal/apperrors"
)

type Service struct {
	db        *sql.DB
	jwtSecret string
	tokenTTL  time.Duration
}

type Claims struct {
	UserID int    `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func New(db *sql.DB, jwtSecret string) *Service {
	return NewWithTokenTTL(db, jwtSecret, 24*time.Hour)
}

func NewWithTokenTTL(db *sql.DB, jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}

	return &Service{
		db:        db,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
	}
}

func (s *Service) Register(email, displayName, password string) (int, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) {
		return 0, apperrors.Invalid("invalid email address")
	}

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return 0, apperrors.Invalid("display name is required")
	}

	if len(password) < 6 {
		return 0, apperrors.Invalid("password must be at least 6 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("failed to hash password: %w", err)
	}

	result, err := s.db.Exec(
		"INSERT INTO users (email, display_name, password_hash) VALUES (?, ?, ?)",
		email,
		displayName,
		string(hash),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, apperrors.Invalid("email already registered")
		}
		return 0, apperrors.Unavailable("failed to register user", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get user id: %w", err)
	}

	return int(id), nil
}

func (s *Service) Login(email, password string) (string, int, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var userID int
	var passwordHash string

	err := s.db.QueryRow(
		"SELECT id, password_hash FROM users WHERE email = ?",
		email,
	).Scan(&userID, &passwordHash)

	if err != nil {
		if err == sql.ErrNoRows {
			return "", 0, apperrors.Unauthenticated("invalid email or password")
		}
		return "", 0, apperrors.Unavailable("failed to query user", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return "", 0, apperrors.Unauthenticated("invalid email or password")
	}

	token, err := s.GenerateToken(userID, email)
	if err != nil {
		return "", 0, fmt.Errorf("failed to generate token: %w", err)
	}

	return token, userID, nil
}

func (s *Service) GenerateToken(userID int, email string) (string, error) {
	claims := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})

	if err != nil {
		return nil, apperrors.Unauthenticated("invalid token")
	}

	if !token.Valid {
		return nil, apperrors.Unauthenticated("invalid token")
	}

	return claims, nil
}

// UserExists checks if a user with the given ID exists.
func (s *Service) UserExists(userID int) (bool, error) {
	var exists bool
	err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", userID).Scan(&exists)
	if err != nil {
		return false, apperrors.Unavailable("failed to query user", err)
	}
	return exists, nil
}

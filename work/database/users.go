package database

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"aio-proxy/work/types"

	"github.com/ncruces/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentialsFormat = errors.New("invalid credentials format")
	ErrUnauthorized             = errors.New("invalid credentials")
	ErrUserExists               = errors.New("user already exists")
	ErrUserNotFound             = errors.New("user not found")
	ErrUnknownPreference        = errors.New("unknown preference")
)

// Toggleable preference columns, keyed by the name used in the admin API.
var toggles = map[string]string{
	"proxy":           "proxy_streams",
	"vidi_mode":       "vidi_mode",
	"simple_format":   "simple_format",
	"one_per_quality": "one_per_quality",
	"cached_only":     "cached_only",
}

const userColumns = `username, password_hash, proxy_streams, vidi_mode, simple_format,
	one_per_quality, cached_only, enabled_services`

// HashPassword returns the URL-safe token for password: base64url of its bcrypt hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(hash), nil
}

// CheckPassword compares password with a token produced by HashPassword.
func CheckPassword(token, password string) bool {
	hash, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// ParseUserPath splits "user=<name>|password=<token>".
func ParseUserPath(userPath string) (username, token string, err error) {
	userPart, passPart, ok := strings.Cut(userPath, "|")
	if !ok || strings.Contains(passPart, "|") {
		return "", "", fmt.Errorf("%w: missing username or password", ErrInvalidCredentialsFormat)
	}
	username, okUser := strings.CutPrefix(userPart, "user=")
	token, okPass := strings.CutPrefix(passPart, "password=")
	if !okUser || !okPass {
		return "", "", fmt.Errorf("%w: malformed user path", ErrInvalidCredentialsFormat)
	}
	if username == "" || token == "" {
		return "", "", fmt.Errorf("%w: empty username or password", ErrInvalidCredentialsFormat)
	}
	return username, token, nil
}

// CreateUser stores a new user with a freshly hashed password.
func (db *DB) CreateUser(ctx context.Context, username, password string, prefs types.UserPreferences) (*types.User, error) {
	if username == "" || password == "" || strings.ContainsAny(username, "|=/") {
		return nil, fmt.Errorf("%w: username must be non-empty and free of '|', '=' and '/'", ErrInvalidCredentialsFormat)
	}

	token, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	services, err := json.Marshal(nonNil(prefs.EnabledServices))
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		username, token, prefs.ProxyStreams, prefs.VidiMode, prefs.SimpleFormat,
		prefs.OnePerQuality, prefs.CachedOnly, string(services))
	if err != nil {
		if errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY) {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, username)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	db.log.Info().Str("user", username).Msg("user created")
	return &types.User{Username: username, PasswordToken: token, Preferences: prefs}, nil
}

// GetUser loads one user.
func (db *DB) GetUser(ctx context.Context, username string) (*types.User, error) {
	row := db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

// ListUsers returns every user ordered by name.
func (db *DB) ListUsers(ctx context.Context) ([]types.User, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := []types.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// DeleteUser removes a user.
func (db *DB) DeleteUser(ctx context.Context, username string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if err := expectOne(res, username); err != nil {
		return err
	}
	db.log.Info().Str("user", username).Msg("user deleted")
	return nil
}

// UpdatePreferences replaces all of a user's preferences.
func (db *DB) UpdatePreferences(ctx context.Context, username string, prefs types.UserPreferences) error {
	services, err := json.Marshal(nonNil(prefs.EnabledServices))
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE users SET proxy_streams = ?, vidi_mode = ?, simple_format = ?,
			one_per_quality = ?, cached_only = ?, enabled_services = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE username = ?`,
		prefs.ProxyStreams, prefs.VidiMode, prefs.SimpleFormat, prefs.OnePerQuality,
		prefs.CachedOnly, string(services), username)
	if err != nil {
		return fmt.Errorf("failed to update preferences: %w", err)
	}
	return expectOne(res, username)
}

// SetEnabledServices replaces the user's enabled service list.
func (db *DB) SetEnabledServices(ctx context.Context, username string, services []string) error {
	data, err := json.Marshal(nonNil(services))
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE users SET enabled_services = ?, updated_at = CURRENT_TIMESTAMP WHERE username = ?`,
		string(data), username)
	if err != nil {
		return fmt.Errorf("failed to update services: %w", err)
	}
	return expectOne(res, username)
}

// TogglePreference flips one boolean preference and returns its new value.
func (db *DB) TogglePreference(ctx context.Context, username, name string) (bool, error) {
	column, ok := toggles[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownPreference, name)
	}

	var value bool
	err := db.QueryRowContext(ctx,
		`UPDATE users SET `+column+` = NOT `+column+`, updated_at = CURRENT_TIMESTAMP
		WHERE username = ? RETURNING `+column, username).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err != nil {
		return false, fmt.Errorf("failed to toggle %s: %w", name, err)
	}

	db.log.Info().Str("user", username).Str("preference", name).Bool("value", value).Msg("preference toggled")
	return value, nil
}

// Authenticate resolves a user path to its user. A malformed path yields
// ErrInvalidCredentialsFormat; an unknown user or wrong token yields ErrUnauthorized.
func (db *DB) Authenticate(ctx context.Context, userPath string) (*types.User, error) {
	username, token, err := ParseUserPath(userPath)
	if err != nil {
		return nil, err
	}

	user, err := db.GetUser(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("%w: user not found", ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(user.PasswordToken), []byte(token)) != 1 {
		return nil, fmt.Errorf("%w: incorrect password", ErrUnauthorized)
	}
	return user, nil
}

// Login checks a plain username and password and returns the user.
func (db *DB) Login(ctx context.Context, username, password string) (*types.User, error) {
	user, err := db.GetUser(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if !CheckPassword(user.PasswordToken, password) {
		return nil, ErrUnauthorized
	}
	return user, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*types.User, error) {
	var (
		user     types.User
		services string
	)
	p := &user.Preferences
	if err := s.Scan(&user.Username, &user.PasswordToken, &p.ProxyStreams, &p.VidiMode,
		&p.SimpleFormat, &p.OnePerQuality, &p.CachedOnly, &services); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(services), &p.EnabledServices); err != nil {
		return nil, fmt.Errorf("bad enabled_services for %s: %w", user.Username, err)
	}
	p.EnabledServices = nonNil(p.EnabledServices)
	return &user, nil
}

func expectOne(res sql.Result, username string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

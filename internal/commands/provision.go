// Package commands implements the operator provisioning CLI: users, rooms
// and memberships are created here against storage directly, and signed
// connection tokens are minted for existing users. There is no
// self-service registration surface.
package commands

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"parley/internal/auth"
	"parley/internal/content"
	"parley/internal/models"
	"parley/internal/storage"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// AddUser creates a user with a random password and prints the details.
func AddUser(store *storage.BboltStorage, username string) error {
	if err := content.ValidateUsername(username); err != nil {
		return err
	}

	if _, err := store.GetUserByName(username); err == nil {
		return fmt.Errorf("user %q already exists", username)
	}

	password, err := randomPassword()
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	user := models.User{
		ID:       uuid.NewString(),
		Username: username,
	}
	if err := store.UpsertUser(user, string(hash)); err != nil {
		return fmt.Errorf("failed to store user: %w", err)
	}

	fmt.Printf("\nUser created successfully!\n")
	fmt.Printf("User ID:  %s\n", user.ID)
	fmt.Printf("Username: %s\n", user.Username)
	fmt.Printf("Password: %s\n\n", password)
	return nil
}

// AddRoom creates a room, optionally owned by an existing user
// ("name" or "name:creatorUsername").
func AddRoom(store *storage.BboltStorage, arg string) error {
	name, creator, _ := strings.Cut(arg, ":")
	if name == "" {
		return fmt.Errorf("room name is required")
	}

	room := models.Room{
		ID:   uuid.NewString(),
		Name: name,
	}

	if creator != "" {
		user, err := store.GetUserByName(creator)
		if err != nil {
			return fmt.Errorf("creator %q: %w", creator, err)
		}
		room.CreatedBy = user.ID
	}

	if err := store.UpsertRoom(room); err != nil {
		return fmt.Errorf("failed to store room: %w", err)
	}

	// The creator is a member from the start.
	if room.CreatedBy != "" {
		if err := store.AddMember(room.ID, room.CreatedBy); err != nil {
			return fmt.Errorf("failed to add creator membership: %w", err)
		}
	}

	fmt.Printf("\nRoom created successfully!\n")
	fmt.Printf("Room ID: %s\n", room.ID)
	fmt.Printf("Name:    %s\n\n", room.Name)
	return nil
}

// AddMember records a durable membership fact ("roomID:username").
func AddMember(store *storage.BboltStorage, arg string) error {
	roomID, username, ok := strings.Cut(arg, ":")
	if !ok || roomID == "" || username == "" {
		return fmt.Errorf("expected roomID:username, got %q", arg)
	}

	user, err := store.GetUserByName(username)
	if err != nil {
		return fmt.Errorf("user %q: %w", username, err)
	}

	if err := store.AddMember(roomID, user.ID); err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}

	fmt.Printf("Added %s to room %s\n", username, roomID)
	return nil
}

// IssueToken mints a signed connection token for an existing user.
func IssueToken(store *storage.BboltStorage, authService *auth.Service, username string) error {
	user, err := store.GetUserByName(username)
	if err != nil {
		return fmt.Errorf("user %q: %w", username, err)
	}

	token, err := authService.Issue(user.ID, user.Username)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Printf("Token for %s:\n%s\n", username, token)
	return nil
}

func randomPassword() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

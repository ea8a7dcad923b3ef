// Package memory defines the conversation memory store and its backends.
//
// A Memory is one append-only record of something said to or by an agent.
// Content is JSON text: inbound records hold the serialized input, records
// produced by the agent hold {"text": "..."}.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Generator values.
const (
	GeneratorExternal = "external"
	GeneratorLLM      = "llm"
)

var (
	// ErrNotFound is returned by Get for an unknown id.
	ErrNotFound = errors.New("memory not found")
	// ErrDuplicateID is returned by Append when the id is already stored.
	ErrDuplicateID = errors.New("memory id already exists")
)

// Memory is a stored conversation record.
type Memory struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	AgentID   string    `json:"agentId"`
	RoomID    string    `json:"roomId"`
	Type      string    `json:"type"`
	Generator string    `json:"generator"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the memory persistence collaborator.
type Store interface {
	// Append stores m. Empty ID and zero CreatedAt are filled in.
	Append(ctx context.Context, m Memory) (*Memory, error)
	// Get returns the memory with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*Memory, error)
	// ExistsByID reports whether a memory with the given id is stored.
	ExistsByID(ctx context.Context, id string) (bool, error)
	// RecentByUser returns up to limit memories for userID, newest first.
	// A limit <= 0 returns all of them.
	RecentByUser(ctx context.Context, userID string, limit int) ([]Memory, error)
	Close() error
}

// StoreIfNotExists appends m unless its id is already stored.
// Returns true when a new record was written.
func StoreIfNotExists(ctx context.Context, s Store, m Memory) (bool, error) {
	if m.ID != "" {
		exists, err := s.ExistsByID(ctx, m.ID)
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
	}
	if _, err := s.Append(ctx, m); err != nil {
		if errors.Is(err, ErrDuplicateID) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// TextContent encodes text as the {"text": ...} content used for agent output.
func TextContent(text string) string {
	data, _ := json.Marshal(map[string]string{"text": text})
	return string(data)
}

// prepare fills generated fields before a write.
func prepare(m Memory, now time.Time) Memory {
	if strings.TrimSpace(m.ID) == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now.UTC()
	}
	return m
}

package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"time"
)

// ConversationHistory contains a serializable and resumable snapshot of a session's conversation log
type ConversationHistory struct {
	SessionID    string    `json:"sessionId"`
	SystemPrompt string    `json:"systemPrompt"`
	Messages     []Message `json:"messages"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ConversationHistoryStore manages persistent storage of conversation histories
type ConversationHistoryStore interface {
	// Get returns the conversation history stored at the given key, or nil if there is nothing stored at that key
	Get(key string) (*ConversationHistory, error)
	// Set stores a conversation history with a key
	Set(key string, value ConversationHistory) error
	// Delete deletes a conversation history with a key
	Delete(key string) error
}

// FileSystemConversationHistoryStore implements ConversationHistoryStore using the OS file system
type FileSystemConversationHistoryStore struct {
	dir string // The directory keys will be relative to
}

func NewFileSystemConversationHistoryStore(dir string) (*FileSystemConversationHistoryStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &FileSystemConversationHistoryStore{dir: dir}, nil
}

func (fschs *FileSystemConversationHistoryStore) Get(key string) (*ConversationHistory, error) {
	path := fschs.path(key)
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// The file doesn't exist so nothing is stored at this key
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var value ConversationHistory
	err = json.Unmarshal(b, &value)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation history: %w", err)
	}
	return &value, nil
}

func (fschs *FileSystemConversationHistoryStore) Set(key string, value ConversationHistory) error {
	b, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation history: %w", err)
	}
	// Write to a temporary file first so a crash mid-write never leaves a truncated history behind
	path := fschs.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move history into place: %w", err)
	}
	return nil
}

func (fschs *FileSystemConversationHistoryStore) Delete(key string) error {
	err := os.Remove(fschs.path(key))
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (fschs *FileSystemConversationHistoryStore) path(key string) string {
	return path.Join(fschs.dir, path.Base(key)+".json")
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Context is the persisted CLI context: who the local user is and which
// conversation was last opened.
type Context struct {
	// UserID is the directory id commands act as when --as is not given.
	UserID string `yaml:"user,omitempty"`
	// DisplayName is the user's name (for display).
	DisplayName string `yaml:"display_name,omitempty"`
	// Conversation is the last opened conversation ("broadcast" or a counterparty id).
	Conversation string `yaml:"conversation,omitempty"`
	// UpdatedAt is when the context was last modified.
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// IsEmpty returns true if no context is set.
func (c *Context) IsEmpty() bool {
	return c.UserID == "" && c.Conversation == ""
}

// HasUser returns true if an identity is set.
func (c *Context) HasUser() bool {
	return c.UserID != ""
}

// Clear removes all context.
func (c *Context) Clear() {
	c.UserID = ""
	c.DisplayName = ""
	c.Conversation = ""
	c.UpdatedAt = time.Now()
}

// SetUser sets the local identity. The last conversation belonged to the
// previous identity, so it is dropped.
func (c *Context) SetUser(id, name string) {
	if id != c.UserID {
		c.Conversation = ""
	}
	c.UserID = id
	c.DisplayName = name
	c.UpdatedAt = time.Now()
}

// SetConversation records the last opened conversation.
func (c *Context) SetConversation(id string) {
	c.Conversation = id
	c.UpdatedAt = time.Now()
}

// String returns a human-readable representation of the context.
func (c *Context) String() string {
	if c.IsEmpty() {
		return "(no context set)"
	}
	result := ""
	if c.HasUser() {
		name := c.DisplayName
		if name == "" {
			name = shortID(c.UserID)
		}
		result = fmt.Sprintf("user:%s", name)
	}
	if c.Conversation != "" {
		if result != "" {
			result += " "
		}
		result += fmt.Sprintf("conversation:%s", shortID(c.Conversation))
	}
	return result
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ContextStore manages loading and saving context.
type ContextStore struct {
	path string
	mu   sync.RWMutex
}

// NewContextStore creates a new context store.
// If path is empty, uses the default path (~/.config/huddle/context.yaml).
func NewContextStore(path string) *ContextStore {
	if path == "" {
		homeDir, _ := os.UserHomeDir()
		path = filepath.Join(homeDir, ".config", "huddle", "context.yaml")
	}
	return &ContextStore{path: path}
}

// ContextStoreFor returns the context store under cfg's config directory.
func ContextStoreFor(cfg *Config) *ContextStore {
	if cfg == nil || cfg.Global.ConfigDir == "" {
		return NewContextStore("")
	}
	return NewContextStore(filepath.Join(cfg.Global.ConfigDir, "context.yaml"))
}

// Path returns the context file path.
func (s *ContextStore) Path() string {
	return s.path
}

// Load reads the context from disk.
// Returns an empty context if the file doesn't exist.
func (s *ContextStore) Load() (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := &Context{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ctx, nil
		}
		return nil, fmt.Errorf("failed to read context file: %w", err)
	}

	if err := yaml.Unmarshal(data, ctx); err != nil {
		return nil, fmt.Errorf("failed to parse context file: %w", err)
	}

	return ctx, nil
}

// Save writes the context to disk.
func (s *ContextStore) Save(ctx *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create context directory: %w", err)
	}

	data, err := yaml.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("failed to serialize context: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write context file: %w", err)
	}

	return nil
}

// Clear removes the context file.
func (s *ContextStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove context file: %w", err)
	}
	return nil
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tOgg1/huddle/internal/db"
	"github.com/tOgg1/huddle/internal/models"
)

const maxSuggestions = 5

// findUser resolves an id, or a unique display-name prefix, to a directory entry.
func findUser(ctx context.Context, profiles *db.ProfileRepository, idOrName string) (*models.Counterparty, error) {
	query := strings.TrimSpace(idOrName)
	if query == "" {
		return nil, errors.New("user id or name required")
	}

	user, err := profiles.Get(ctx, query)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, db.ErrProfileNotFound) {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	users, err := profiles.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	matches := matchUsers(users, query)
	if len(matches) == 1 {
		return &matches[0], nil
	}
	if len(matches) > 1 {
		return nil, fmt.Errorf("user '%s' is ambiguous; matches: %s (use the full id)", query, formatUserMatches(matches))
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("user '%s' not found (no users yet; add one with 'huddle users add')", query)
	}
	return nil, fmt.Errorf("user '%s' not found. Example input: '%s'", query, users[0].ID)
}

func matchUsers(users []models.Counterparty, query string) []models.Counterparty {
	normalized := strings.ToLower(strings.TrimSpace(query))
	if normalized == "" {
		return nil
	}

	var matches []models.Counterparty
	for _, u := range users {
		name := strings.ToLower(u.DisplayName)
		if strings.HasPrefix(u.ID, query) ||
			strings.HasPrefix(name, normalized) ||
			(len(normalized) >= 3 && strings.Contains(name, normalized)) {
			matches = append(matches, u)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		left, right := strings.ToLower(matches[i].DisplayName), strings.ToLower(matches[j].DisplayName)
		if left == right {
			return matches[i].ID < matches[j].ID
		}
		return left < right
	})
	return matches
}

func formatUserMatches(users []models.Counterparty) string {
	limit := len(users)
	if limit > maxSuggestions {
		limit = maxSuggestions
	}
	parts := make([]string, 0, limit+1)
	for _, u := range users[:limit] {
		parts = append(parts, fmt.Sprintf("%s (%s)", u.DisplayName, u.ID))
	}
	if len(users) > maxSuggestions {
		parts = append(parts, fmt.Sprintf("... and %d more", len(users)-maxSuggestions))
	}
	return strings.Join(parts, ", ")
}

// resolvedUser is the local identity and where it came from.
type resolvedUser struct {
	models.Counterparty
	Source string // "flag" or "stored"
}

// localUser resolves who the command acts as:
// 1. --as (if provided)
// 2. Stored context from 'huddle use'
func (a *app) localUser(ctx context.Context, rt *runtime) (*resolvedUser, error) {
	if a.as != "" {
		user, err := findUser(ctx, rt.profiles, a.as)
		if err != nil {
			return nil, Exitf(ExitCodeFailure, "%v", err)
		}
		return &resolvedUser{Counterparty: *user, Source: "flag"}, nil
	}

	stored, err := a.contexts.Load()
	if err != nil {
		return nil, Exitf(ExitCodeFailure, "load context: %v", err)
	}
	if !stored.HasUser() {
		return nil, Exitf(ExitCodeFailure, "identity required: use --as <user> or set one with 'huddle use <user>'")
	}
	user, err := rt.profiles.Get(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, db.ErrProfileNotFound) {
			return nil, Exitf(ExitCodeFailure, "saved identity %q no longer exists; run 'huddle use <user>'", stored.UserID)
		}
		return nil, Exitf(ExitCodeFailure, "load identity: %v", err)
	}
	return &resolvedUser{Counterparty: *user, Source: "stored"}, nil
}

// conversationArg maps "broadcast", a user id or a name prefix to a conversation.
func conversationArg(ctx context.Context, rt *runtime, arg string) (models.Conversation, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" || strings.EqualFold(arg, models.BroadcastID) || arg == "all" {
		return models.Broadcast(), nil
	}
	user, err := findUser(ctx, rt.profiles, strings.TrimPrefix(arg, "@"))
	if err != nil {
		return models.Conversation{}, Exitf(ExitCodeFailure, "%v", err)
	}
	return models.Direct(user.ID), nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fieldaudit/internal/repo"
)

// ResolveProject picks the active project. It prefers the override, then
// the only project in the database.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (string, error) {
	if id := strings.TrimSpace(override); id != "" {
		if _, err := r.GetProject(ctx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", fmt.Errorf("project %s not found; create it with fa project create", id)
			}
			return "", err
		}
		return id, nil
	}
	p, err := r.SingleProject(ctx)
	if err != nil {
		return "", fmt.Errorf("project not specified; use --project")
	}
	return p.ID, nil
}

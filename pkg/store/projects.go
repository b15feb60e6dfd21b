package store

import (
	"context"
	"fmt"

	"researchhub/pkg/models"
)

// Projects is the research-project repository.
type Projects struct {
	DB DB
}

// Get loads a project with its collaborator set in one query.
func (p *Projects) Get(ctx context.Context, projectID string) (models.Project, error) {
	var proj models.Project
	row := p.DB.QueryRow(ctx, `
		SELECT p.id, p.title, p.owner_id, p.status, p.created_at,
		       COALESCE(array_remove(array_agg(c.user_id), NULL), '{}')
		FROM projects p
		LEFT JOIN project_collaborators c ON c.project_id = p.id
		WHERE p.id = $1
		GROUP BY p.id
	`, projectID)
	err := row.Scan(&proj.ID, &proj.Title, &proj.OwnerID, &proj.Status, &proj.CreatedAt, &proj.Collaborators)
	if err != nil {
		return proj, fmt.Errorf("get project: %w", MapError(err))
	}
	return proj, nil
}

// AddCollaborator adds a principal to the project's collaborator set.
// The PI is never added: ownership already grants everything
// collaboration would.
func (p *Projects) AddCollaborator(ctx context.Context, projectID, userID string) error {
	var ownerID string
	if err := p.DB.QueryRow(ctx, `SELECT owner_id FROM projects WHERE id=$1`, projectID).Scan(&ownerID); err != nil {
		return fmt.Errorf("get project owner: %w", MapError(err))
	}
	if ownerID == userID {
		return nil
	}
	_, err := p.DB.Exec(ctx, `
		INSERT INTO project_collaborators (project_id, user_id)
		VALUES ($1,$2) ON CONFLICT DO NOTHING
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

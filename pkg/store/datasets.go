package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"researchhub/pkg/models"
)

// Datasets is the dataset repository.
type Datasets struct {
	DB DB
}

// GetForPrincipal loads the dataset snapshot the policy evaluator
// needs: the row itself, the owning project's PI, the collaborator
// set, and the principal's access request if one exists. Two round
// trips regardless of collaborator count.
func (d *Datasets) GetForPrincipal(ctx context.Context, datasetID, principal string) (models.Dataset, error) {
	var ds models.Dataset
	row := d.DB.QueryRow(ctx, `
		SELECT d.id, d.project_id, d.name, COALESCE(d.description,''), d.privacy_level,
		       COALESCE(d.uploaded_by,''), COALESCE(d.file_path,''), d.file_size,
		       d.upload_date, d.last_accessed,
		       p.owner_id,
		       COALESCE(array_remove(array_agg(c.user_id), NULL), '{}')
		FROM datasets d
		JOIN projects p ON p.id = d.project_id
		LEFT JOIN project_collaborators c ON c.project_id = p.id
		WHERE d.id = $1
		GROUP BY d.id, p.owner_id
	`, datasetID)
	err := row.Scan(&ds.ID, &ds.ProjectID, &ds.Name, &ds.Description, &ds.PrivacyLevel,
		&ds.OwnerID, &ds.FilePath, &ds.FileSize, &ds.UploadedAt, &ds.LastAccessed,
		&ds.ProjectOwnerID, &ds.Collaborators)
	if err != nil {
		return ds, fmt.Errorf("get dataset: %w", MapError(err))
	}
	if principal != "" {
		req, err := (&Requests{DB: d.DB}).GetForDataset(ctx, datasetID, principal)
		if err == nil {
			ds.Request = &req
		} else if err != ErrNotFound {
			return ds, fmt.Errorf("get dataset request: %w", err)
		}
	}
	return ds, nil
}

// Get loads a dataset row without the policy snapshot fields.
func (d *Datasets) Get(ctx context.Context, datasetID string) (models.Dataset, error) {
	var ds models.Dataset
	row := d.DB.QueryRow(ctx, `
		SELECT id, project_id, name, COALESCE(description,''), privacy_level,
		       COALESCE(uploaded_by,''), COALESCE(file_path,''), file_size,
		       upload_date, last_accessed
		FROM datasets WHERE id = $1
	`, datasetID)
	err := row.Scan(&ds.ID, &ds.ProjectID, &ds.Name, &ds.Description, &ds.PrivacyLevel,
		&ds.OwnerID, &ds.FilePath, &ds.FileSize, &ds.UploadedAt, &ds.LastAccessed)
	if err != nil {
		return ds, fmt.Errorf("get dataset: %w", MapError(err))
	}
	return ds, nil
}

// Create registers an uploaded dataset. The privacy level defaults to
// private and is immutable afterwards except through an administrative
// update.
func (d *Datasets) Create(ctx context.Context, ds models.Dataset) (models.Dataset, error) {
	if ds.ID == "" {
		ds.ID = uuid.NewString()
	}
	if ds.PrivacyLevel == "" {
		ds.PrivacyLevel = models.PrivacyPrivate
	}
	if ds.UploadedAt.IsZero() {
		ds.UploadedAt = time.Now().UTC()
	}
	_, err := d.DB.Exec(ctx, `
		INSERT INTO datasets (id, project_id, name, description, privacy_level, uploaded_by, file_path, file_size, upload_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, ds.ID, ds.ProjectID, ds.Name, ds.Description, ds.PrivacyLevel, nullable(ds.OwnerID), ds.FilePath, ds.FileSize, ds.UploadedAt)
	if err != nil {
		return ds, fmt.Errorf("create dataset: %w", MapError(err))
	}
	return ds, nil
}

// TouchLastAccessed records a successful read.
func (d *Datasets) TouchLastAccessed(ctx context.Context, datasetID string, at time.Time) error {
	tag, err := d.DB.Exec(ctx, `
		UPDATE datasets SET last_accessed = $2 WHERE id = $1
	`, datasetID, at)
	if err != nil {
		return fmt.Errorf("touch dataset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Search matches name or description by substring. The term is always
// bound as a parameter, never interpolated into the SQL text.
func (d *Datasets) Search(ctx context.Context, term string, limit int) ([]models.Dataset, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := d.DB.Query(ctx, `
		SELECT id, project_id, name, COALESCE(description,''), privacy_level,
		       COALESCE(uploaded_by,''), COALESCE(file_path,''), file_size,
		       upload_date, last_accessed
		FROM datasets
		WHERE name ILIKE '%' || $1 || '%' OR description ILIKE '%' || $1 || '%'
		ORDER BY upload_date DESC, id
		LIMIT $2
	`, term, limit)
	if err != nil {
		return nil, fmt.Errorf("search datasets: %w", err)
	}
	defer rows.Close()
	var out []models.Dataset
	for rows.Next() {
		var ds models.Dataset
		if err := rows.Scan(&ds.ID, &ds.ProjectID, &ds.Name, &ds.Description, &ds.PrivacyLevel,
			&ds.OwnerID, &ds.FilePath, &ds.FileSize, &ds.UploadedAt, &ds.LastAccessed); err != nil {
			return nil, fmt.Errorf("search scan: %w", err)
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

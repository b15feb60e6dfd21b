// Package dashboard builds the per-project read view.
package dashboard

import (
	"context"
	"fmt"

	"researchhub/pkg/models"
	"researchhub/pkg/store"
)

// Aggregator assembles a project dashboard in four queries regardless
// of how many datasets the project holds: the project row, the dataset
// rows, and one grouped count per related table. Per-dataset queries in
// a loop are the failure mode this package exists to avoid.
type Aggregator struct {
	DB store.DB
}

// Build returns the dashboard for one project, datasets newest first.
func (a *Aggregator) Build(ctx context.Context, projectID string) (models.ProjectDashboard, error) {
	var out models.ProjectDashboard

	row := a.DB.QueryRow(ctx, `
		SELECT id, title FROM projects WHERE id = $1
	`, projectID)
	if err := row.Scan(&out.ProjectID, &out.ProjectTitle); err != nil {
		return out, fmt.Errorf("dashboard project: %w", store.MapError(err))
	}

	rows, err := a.DB.Query(ctx, `
		SELECT id, name, COALESCE(uploaded_by,''), upload_date
		FROM datasets
		WHERE project_id = $1
		ORDER BY upload_date DESC, id
	`, projectID)
	if err != nil {
		return out, fmt.Errorf("dashboard datasets: %w", err)
	}
	defer rows.Close()

	index := map[string]int{}
	for rows.Next() {
		var ds models.DatasetSummary
		if err := rows.Scan(&ds.ID, &ds.Name, &ds.Uploader, &ds.UploadedAt); err != nil {
			return out, fmt.Errorf("dashboard dataset scan: %w", err)
		}
		index[ds.ID] = len(out.Datasets)
		out.Datasets = append(out.Datasets, ds)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("dashboard datasets: %w", err)
	}

	jobCounts, err := a.groupedCounts(ctx, `
		SELECT j.dataset_id, COUNT(*)
		FROM processing_jobs j
		JOIN datasets d ON d.id = j.dataset_id
		WHERE d.project_id = $1
		GROUP BY j.dataset_id
	`, projectID)
	if err != nil {
		return out, fmt.Errorf("dashboard job counts: %w", err)
	}
	reqCounts, err := a.groupedCounts(ctx, `
		SELECT r.dataset_id, COUNT(*)
		FROM access_requests r
		JOIN datasets d ON d.id = r.dataset_id
		WHERE d.project_id = $1 AND r.status = 'approved'
		GROUP BY r.dataset_id
	`, projectID)
	if err != nil {
		return out, fmt.Errorf("dashboard request counts: %w", err)
	}

	for id, n := range jobCounts {
		if i, ok := index[id]; ok {
			out.Datasets[i].ProcessingJobCount = n
		}
	}
	for id, n := range reqCounts {
		if i, ok := index[id]; ok {
			out.Datasets[i].ApprovedRequestCount = n
		}
	}
	return out, nil
}

func (a *Aggregator) groupedCounts(ctx context.Context, sql, projectID string) (map[string]int64, error) {
	rows, err := a.DB.Query(ctx, sql, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int64{}
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

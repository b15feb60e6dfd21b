// Command seed loads demo data: three projects with collaborators,
// three datasets across the privacy levels, and a pending plus an
// approved access request. Safe to re-run; existing rows are kept.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"researchhub/pkg/audit"
	"researchhub/pkg/models"
	"researchhub/pkg/store"
)

type seedDBCloser interface {
	store.DB
	Close()
}

var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (seedDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	if err := seed(ctx, pool, log.Printf); err != nil {
		logFatalf("seed: %v", err)
	}
}

type seedProject struct {
	id            string
	title         string
	owner         string
	status        string
	collaborators []string
}

type seedDataset struct {
	models.Dataset
	uploadAudit bool
}

func seed(ctx context.Context, db store.DB, logf func(format string, args ...any)) error {
	projects := []seedProject{
		{
			id:            "proj-ocean",
			title:         "Climate Change Impact on Ocean Ecosystems",
			owner:         "alice",
			status:        "active",
			collaborators: []string{"bob"},
		},
		{
			id:            "proj-drugs",
			title:         "AI-Powered Drug Discovery",
			owner:         "bob",
			status:        "active",
			collaborators: []string{"alice", "charlie"},
		},
		{
			id:     "proj-quantum",
			title:  "Quantum Computing Applications",
			owner:  "charlie",
			status: "draft",
		},
	}
	projectRepo := &store.Projects{DB: db}
	for _, p := range projects {
		if _, err := db.Exec(ctx, `
			INSERT INTO projects (id, title, owner_id, status)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (id) DO NOTHING
		`, p.id, p.title, p.owner, p.status); err != nil {
			return fmt.Errorf("seed project %s: %w", p.id, err)
		}
		for _, c := range p.collaborators {
			if err := projectRepo.AddCollaborator(ctx, p.id, c); err != nil {
				return fmt.Errorf("seed collaborator %s on %s: %w", c, p.id, err)
			}
		}
	}
	logf("seeded %d projects", len(projects))

	datasets := []seedDataset{
		{Dataset: models.Dataset{
			ID:           "ds-ocean-temp",
			ProjectID:    "proj-ocean",
			Name:         "Ocean Temperature Measurements 2023",
			Description:  "Temperature data from 50 ocean monitoring stations",
			PrivacyLevel: models.PrivacyPublic,
			OwnerID:      "alice",
			FilePath:     "datasets/ocean_temp_2023.csv",
			FileSize:     15 << 20,
		}, uploadAudit: true},
		{Dataset: models.Dataset{
			ID:           "ds-species",
			ProjectID:    "proj-ocean",
			Name:         "Marine Species Distribution",
			Description:  "Species observation data from research vessels",
			PrivacyLevel: models.PrivacyRestricted,
			OwnerID:      "alice",
			FilePath:     "datasets/species_dist.xlsx",
			FileSize:     8 << 20,
		}, uploadAudit: true},
		{Dataset: models.Dataset{
			ID:           "ds-compounds",
			ProjectID:    "proj-drugs",
			Name:         "Drug Compound Analysis Results",
			Description:  "ML predictions for drug compound effectiveness",
			PrivacyLevel: models.PrivacyPrivate,
			OwnerID:      "bob",
			FilePath:     "datasets/drug_compounds.json",
			FileSize:     100 << 20,
		}, uploadAudit: true},
	}
	datasetRepo := &store.Datasets{DB: db}
	auditWriter := &audit.Writer{DB: db}
	for _, d := range datasets {
		if _, err := datasetRepo.Create(ctx, d.Dataset); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return fmt.Errorf("seed dataset %s: %w", d.ID, err)
		}
		if d.uploadAudit {
			if _, err := auditWriter.Append(ctx, models.AuditEvent{
				Actor:      d.OwnerID,
				Action:     models.ActionUpload,
				TargetType: "dataset",
				TargetID:   d.ID,
			}); err != nil {
				return fmt.Errorf("seed upload audit for %s: %w", d.ID, err)
			}
		}
	}
	logf("seeded %d datasets", len(datasets))

	requestRepo := &store.Requests{DB: db}
	if _, err := requestRepo.Create(ctx, models.AccessRequest{
		ID:          "req-species-bob",
		DatasetID:   "ds-species",
		RequesterID: "bob",
		Reason:      "Need marine species data for comparative analysis with Pacific Ocean data",
	}); err != nil && !errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("seed pending request: %w", err)
	}

	created, err := requestRepo.Create(ctx, models.AccessRequest{
		ID:          "req-ocean-charlie",
		DatasetID:   "ds-ocean-temp",
		RequesterID: "charlie",
		Reason:      "Comparing Atlantic and Pacific ocean temperature patterns",
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("seed approved request: %w", err)
	}
	if err == nil {
		expiry := time.Now().UTC().Add(365 * 24 * time.Hour)
		if _, err := requestRepo.Approve(ctx, created.ID, "alice", &expiry); err != nil {
			return fmt.Errorf("approve seeded request: %w", err)
		}
		if _, err := auditWriter.Append(ctx, models.AuditEvent{
			Actor:      "alice",
			Action:     models.ActionApproveAccess,
			TargetType: "dataset",
			TargetID:   "ds-ocean-temp",
		}); err != nil {
			return fmt.Errorf("seed approval audit: %w", err)
		}
	}
	logf("seeded access requests")

	return nil
}

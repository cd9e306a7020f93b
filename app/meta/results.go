package meta

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/ami-platform/ami-jobs/app/jobs"
	"github.com/ami-platform/ami-jobs/app/orchestration"
)

var _ orchestration.ResultSaver = (*Store)(nil)

type imageRow struct {
	projectID    int64
	deploymentID int64
	eventID      *int64
}

// SaveResults stores the detections of a result with one occurrence per
// detection. Detections saved earlier by the same job for the same images
// are replaced, so a redelivered result leaves a single copy.
func (s *Store) SaveResults(ctx context.Context, job *jobs.Job, res *orchestration.SuccessResult) error {
	var imageIDs []int64
	for _, raw := range res.ImageIDs() {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid source image id %q: %w", raw, err)
		}
		imageIDs = append(imageIDs, id)
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		images, err := loadImageRows(ctx, tx, imageIDs)
		if err != nil {
			return err
		}

		previous, err := int64s(ctx, tx, `
			DELETE FROM ami_detections
			WHERE source_image_id = ANY($1) AND job_id = $2
			RETURNING COALESCE(occurrence_id, 0)
		`, imageIDs, job.ID)
		if err != nil {
			return fmt.Errorf("failed to replace detections: %w", err)
		}
		if err := deleteEmptyOccurrences(ctx, tx, previous); err != nil {
			return err
		}

		taxa := map[string]int64{}
		var occurrences []int64
		for _, d := range res.Detections {
			imageID, err := strconv.ParseInt(d.SourceImageID, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid source image id %q: %w", d.SourceImageID, err)
			}
			img, ok := images[imageID]
			if !ok {
				// image deleted while the job was running
				continue
			}

			var occID int64
			err = tx.QueryRow(ctx, `
				INSERT INTO ami_occurrences (project_id, deployment_id, event_id)
				VALUES ($1, $2, $3)
				RETURNING id
			`, img.projectID, img.deploymentID, img.eventID).Scan(&occID)
			if err != nil {
				return fmt.Errorf("failed to create occurrence: %w", err)
			}
			occurrences = append(occurrences, occID)

			var detID int64
			err = tx.QueryRow(ctx, `
				INSERT INTO ami_detections
				(source_image_id, occurrence_id, x1, y1, x2, y2, algorithm, crop_url, job_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				RETURNING id
			`, imageID, occID, d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2, d.Algorithm, d.CropImageURL, job.ID).Scan(&detID)
			if err != nil {
				return fmt.Errorf("failed to create detection: %w", err)
			}

			for _, c := range d.Classifications {
				if err := insertClassification(ctx, tx, taxa, detID, c); err != nil {
					return err
				}
			}
		}
		return updateDeterminations(ctx, tx, occurrences)
	})
}

func loadImageRows(ctx context.Context, q querier, ids []int64) (map[int64]imageRow, error) {
	rows, err := q.Query(ctx, `
		SELECT id, project_id, deployment_id, event_id
		FROM ami_source_images
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load images: %w", err)
	}
	defer rows.Close()

	out := map[int64]imageRow{}
	for rows.Next() {
		var id int64
		var row imageRow
		if err := rows.Scan(&id, &row.projectID, &row.deploymentID, &row.eventID); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		out[id] = row
	}
	return out, rows.Err()
}

// taxonID returns the id of the named taxon, creating it when missing
func taxonID(ctx context.Context, q querier, cache map[string]int64, name string) (int64, error) {
	if id, ok := cache[name]; ok {
		return id, nil
	}
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO ami_taxa (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve taxon %q: %w", name, err)
	}
	cache[name] = id
	return id, nil
}

func insertClassification(ctx context.Context, q querier, taxa map[string]int64, detectionID int64, c orchestration.ClassificationResult) error {
	var taxon *int64
	if c.Taxon != "" {
		id, err := taxonID(ctx, q, taxa, c.Taxon)
		if err != nil {
			return err
		}
		taxon = &id
	}
	var features []float64
	if len(c.Features) > 0 {
		features = c.Features
	}
	_, err := q.Exec(ctx, `
		INSERT INTO ami_classifications
		(detection_id, taxon_id, score, scores, labels, algorithm, terminal, features, ood_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, detectionID, taxon, c.TopScore(), c.Scores, c.Labels, c.Algorithm, c.Terminal, features, c.OODScore)
	if err != nil {
		return fmt.Errorf("failed to create classification: %w", err)
	}
	return nil
}

// deleteEmptyOccurrences removes the given occurrences once no detection
// references them
func deleteEmptyOccurrences(ctx context.Context, q querier, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.Exec(ctx, `
		DELETE FROM ami_occurrences o
		WHERE o.id = ANY($1)
		  AND NOT EXISTS (SELECT 1 FROM ami_detections d WHERE d.occurrence_id = o.id)
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to delete empty occurrences: %w", err)
	}
	return nil
}

// updateDeterminations sets each occurrence's determination to the best
// scoring terminal classification of its detections. Occurrences with a
// human identification keep the latest identification instead.
func updateDeterminations(ctx context.Context, q querier, occurrenceIDs []int64) error {
	if len(occurrenceIDs) == 0 {
		return nil
	}
	_, err := q.Exec(ctx, `
		UPDATE ami_occurrences o
		SET determination_id = best.taxon_id, determination_score = best.score
		FROM (
			SELECT DISTINCT ON (d.occurrence_id) d.occurrence_id, c.taxon_id, c.score
			FROM ami_detections d
			JOIN ami_classifications c ON c.detection_id = d.id
			WHERE d.occurrence_id = ANY($1) AND c.terminal AND c.taxon_id IS NOT NULL
			ORDER BY d.occurrence_id, c.score DESC, c.created_at DESC, c.id DESC
		) best
		WHERE o.id = best.occurrence_id
		  AND NOT EXISTS (SELECT 1 FROM ami_identifications i WHERE i.occurrence_id = o.id)
	`, occurrenceIDs)
	if err != nil {
		return fmt.Errorf("failed to update determinations: %w", err)
	}

	_, err = q.Exec(ctx, `
		UPDATE ami_occurrences o
		SET determination_id = latest.taxon_id, determination_score = 1
		FROM (
			SELECT DISTINCT ON (i.occurrence_id) i.occurrence_id, i.taxon_id
			FROM ami_identifications i
			WHERE i.occurrence_id = ANY($1)
			ORDER BY i.occurrence_id, i.created_at DESC, i.id DESC
		) latest
		WHERE o.id = latest.occurrence_id
	`, occurrenceIDs)
	if err != nil {
		return fmt.Errorf("failed to apply identifications: %w", err)
	}
	return nil
}

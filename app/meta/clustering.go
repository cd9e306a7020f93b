package meta

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ami-platform/ami-jobs/app/clustering"
)

var _ clustering.Store = (*Store)(nil)

// OODDetections returns the detections of a collection whose occurrence is
// determined by a classification with an OOD score above threshold
func (s *Store) OODDetections(ctx context.Context, collectionID int64, threshold float64) ([]clustering.Detection, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT DISTINCT d.id, d.occurrence_id, det.ood_score
		FROM ami_detections d
		JOIN ami_collection_images ci ON ci.source_image_id = d.source_image_id
		JOIN ami_occurrences o ON o.id = d.occurrence_id
		JOIN LATERAL (
			SELECT c.ood_score
			FROM ami_classifications c
			JOIN ami_detections d2 ON d2.id = c.detection_id
			WHERE d2.occurrence_id = o.id
			  AND c.taxon_id = o.determination_id
			  AND c.ood_score IS NOT NULL
			ORDER BY c.score DESC, c.id DESC
			LIMIT 1
		) det ON TRUE
		WHERE ci.collection_id = $1 AND det.ood_score > $2
		ORDER BY d.id
	`, collectionID, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to list OOD detections: %w", err)
	}
	var dets []clustering.Detection
	var ids []int64
	for rows.Next() {
		var d clustering.Detection
		if err := rows.Scan(&d.ID, &d.OccurrenceID, &d.OODScore); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		dets = append(dets, d)
		ids = append(ids, d.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list OOD detections: %w", err)
	}
	if len(dets) == 0 {
		return nil, nil
	}

	features, err := s.features(ctx, `
		SELECT detection_id, algorithm, features
		FROM ami_classifications
		WHERE detection_id = ANY($1) AND features IS NOT NULL
		ORDER BY created_at, id
	`, ids)
	if err != nil {
		return nil, err
	}
	for i := range dets {
		dets[i].Features = features[dets[i].ID]
	}
	return dets, nil
}

func (s *Store) CreatePlaceholderTaxon(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.Pool.QueryRow(ctx, `
		INSERT INTO ami_taxa (name, placeholder) VALUES ($1, TRUE)
		ON CONFLICT (name) DO UPDATE SET placeholder = TRUE
		RETURNING id
	`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create taxon %q: %w", name, err)
	}
	return id, nil
}

func (s *Store) AddClassifications(ctx context.Context, classifications []clustering.Classification) error {
	if len(classifications) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, c := range classifications {
			batch.Queue(`
				INSERT INTO ami_classifications (detection_id, taxon_id, score, algorithm, terminal)
				VALUES ($1, $2, $3, $4, TRUE)
			`, c.DetectionID, c.TaxonID, c.Score, c.Algorithm)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to add classifications: %w", err)
		}
		return nil
	})
}

func (s *Store) UpdateDeterminations(ctx context.Context, occurrenceIDs []int64) error {
	return updateDeterminations(ctx, s.db.Pool, occurrenceIDs)
}

package meta

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ami-platform/ami-jobs/app/tracking"
)

var _ tracking.Store = (*Store)(nil)

// LoadEvent returns the event's images in capture order with their
// detections and the feature vectors of every classification
func (s *Store) LoadEvent(ctx context.Context, eventID int64) (*tracking.Event, error) {
	var id int64
	err := s.db.Pool.QueryRow(ctx, `SELECT id FROM ami_events WHERE id = $1`, eventID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %d: %w", eventID, err)
	}

	event := &tracking.Event{ID: eventID}
	index := map[int64]int{}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, timestamp, width, height
		FROM ami_source_images
		WHERE event_id = $1
		ORDER BY timestamp, id
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images of event %d: %w", eventID, err)
	}
	for rows.Next() {
		var img tracking.Image
		if err := rows.Scan(&img.ID, &img.Timestamp, &img.Width, &img.Height); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		index[img.ID] = len(event.Images)
		event.Images = append(event.Images, img)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list images of event %d: %w", eventID, err)
	}

	dets, err := s.eventDetections(ctx, eventID)
	if err != nil {
		return nil, err
	}
	prev := map[int64]int64{}
	for _, d := range dets {
		if d.NextID != 0 {
			prev[d.NextID] = d.ID
		}
	}
	for _, d := range dets {
		d.PrevID = prev[d.ID]
		n := index[d.ImageID]
		event.Images[n].Detections = append(event.Images[n].Detections, d)
	}
	return event, nil
}

func (s *Store) eventDetections(ctx context.Context, eventID int64) ([]tracking.Detection, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT d.id, d.source_image_id, d.x1, d.y1, d.x2, d.y2, i.timestamp,
		       COALESCE(d.next_detection_id, 0), COALESCE(d.occurrence_id, 0)
		FROM ami_detections d
		JOIN ami_source_images i ON i.id = d.source_image_id
		WHERE i.event_id = $1
		ORDER BY d.id
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections of event %d: %w", eventID, err)
	}
	var dets []tracking.Detection
	byID := map[int64]int{}
	for rows.Next() {
		var d tracking.Detection
		err := rows.Scan(&d.ID, &d.ImageID, &d.BBox.X1, &d.BBox.Y1, &d.BBox.X2, &d.BBox.Y2,
			&d.Timestamp, &d.NextID, &d.OccurrenceID)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		byID[d.ID] = len(dets)
		dets = append(dets, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list detections of event %d: %w", eventID, err)
	}

	features, err := s.features(ctx, `
		SELECT c.detection_id, c.algorithm, c.features
		FROM ami_classifications c
		JOIN ami_detections d ON d.id = c.detection_id
		JOIN ami_source_images i ON i.id = d.source_image_id
		WHERE i.event_id = $1 AND c.features IS NOT NULL
		ORDER BY c.created_at, c.id
	`, eventID)
	if err != nil {
		return nil, err
	}
	for id, f := range features {
		if n, ok := byID[id]; ok {
			dets[n].Features = f
		}
	}
	return dets, nil
}

// features maps detection id to algorithm to vector. A later row for the
// same pair replaces an earlier one.
func (s *Store) features(ctx context.Context, query string, args ...any) (map[int64]map[string][]float64, error) {
	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load feature vectors: %w", err)
	}
	defer rows.Close()

	out := map[int64]map[string][]float64{}
	for rows.Next() {
		var id int64
		var algorithm string
		var vec []float64
		if err := rows.Scan(&id, &algorithm, &vec); err != nil {
			return nil, fmt.Errorf("failed to scan feature vector: %w", err)
		}
		if out[id] == nil {
			out[id] = map[string][]float64{}
		}
		out[id][algorithm] = vec
	}
	return out, rows.Err()
}

func (s *Store) HasHumanIdentifications(ctx context.Context, eventID int64) (bool, error) {
	var exists bool
	err := s.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM ami_identifications i
			JOIN ami_occurrences o ON o.id = i.occurrence_id
			WHERE o.event_id = $1
		)
	`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check identifications of event %d: %w", eventID, err)
	}
	return exists, nil
}

// SaveLinks writes every successor link in one batch
func (s *Store) SaveLinks(ctx context.Context, eventID int64, next map[int64]int64) error {
	if len(next) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for id, nextID := range next {
			batch.Queue(`UPDATE ami_detections SET next_detection_id = NULLIF($2, 0) WHERE id = $1`, id, nextID)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to save links of event %d: %w", eventID, err)
		}
		return nil
	})
}

// ReplaceOccurrence moves the detections to a new occurrence and deletes the
// occurrences they belonged to
func (s *Store) ReplaceOccurrence(ctx context.Context, eventID int64, detectionIDs []int64) (int64, error) {
	var occID int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		previous, err := int64s(ctx, tx, `
			SELECT DISTINCT occurrence_id
			FROM ami_detections
			WHERE id = ANY($1) AND occurrence_id IS NOT NULL
		`, detectionIDs)
		if err != nil {
			return fmt.Errorf("failed to list previous occurrences: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO ami_occurrences (project_id, deployment_id, event_id)
			SELECT project_id, deployment_id, id FROM ami_events WHERE id = $1
			RETURNING id
		`, eventID).Scan(&occID)
		if err != nil {
			return fmt.Errorf("failed to create occurrence in event %d: %w", eventID, err)
		}

		if _, err := tx.Exec(ctx, `UPDATE ami_detections SET occurrence_id = $1 WHERE id = ANY($2)`, occID, detectionIDs); err != nil {
			return fmt.Errorf("failed to assign detections to occurrence %d: %w", occID, err)
		}
		if len(previous) > 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM ami_occurrences WHERE id = ANY($1)`, previous); err != nil {
				return fmt.Errorf("failed to delete previous occurrences: %w", err)
			}
		}
		return updateDeterminations(ctx, tx, []int64{occID})
	})
	if err != nil {
		return 0, err
	}
	return occID, nil
}

// AddIdentification records a human identification of an occurrence
func (s *Store) AddIdentification(ctx context.Context, occurrenceID, taxonID, userID int64) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO ami_identifications (occurrence_id, taxon_id, user_id)
		VALUES ($1, $2, $3)
	`, occurrenceID, taxonID, userID)
	if err != nil {
		return fmt.Errorf("failed to add identification: %w", err)
	}
	return updateDeterminations(ctx, s.db.Pool, []int64{occurrenceID})
}

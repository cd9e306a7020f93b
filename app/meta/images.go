package meta

import (
	"context"
	"fmt"
	"time"

	"github.com/ami-platform/ami-jobs/app/orchestration"
)

var _ orchestration.ImageCatalog = (*Store)(nil)

// ListImages returns the selected images ordered by capture time
func (s *Store) ListImages(ctx context.Context, q orchestration.ImageQuery) ([]orchestration.SourceImage, error) {
	if len(q.ImageIDs) == 0 && len(q.EventIDs) == 0 {
		return nil, nil
	}

	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, COALESCE(event_id, 0), url, timestamp, width, height
		FROM ami_source_images
		WHERE (id = ANY($1) OR event_id = ANY($2))
		  AND ($3::bigint = 0 OR project_id = $3)
		ORDER BY timestamp, id
	`, q.ImageIDs, q.EventIDs, q.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var images []orchestration.SourceImage
	for rows.Next() {
		var img orchestration.SourceImage
		if err := rows.Scan(&img.ID, &img.EventID, &img.URL, &img.Timestamp, &img.Width, &img.Height); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// CreateEvent records a monitoring session
func (s *Store) CreateEvent(ctx context.Context, projectID, deploymentID int64, start time.Time) (int64, error) {
	var id int64
	err := s.db.Pool.QueryRow(ctx, `
		INSERT INTO ami_events (project_id, deployment_id, start_time)
		VALUES ($1, $2, $3)
		RETURNING id
	`, projectID, deploymentID, start).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create event: %w", err)
	}
	return id, nil
}

// CreateImage records a capture. EventID 0 leaves the image unassigned.
func (s *Store) CreateImage(ctx context.Context, projectID, deploymentID int64, img orchestration.SourceImage) (int64, error) {
	var eventID *int64
	if img.EventID != 0 {
		eventID = &img.EventID
	}
	var id int64
	err := s.db.Pool.QueryRow(ctx, `
		INSERT INTO ami_source_images (project_id, deployment_id, event_id, url, timestamp, width, height)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, projectID, deploymentID, eventID, img.URL, img.Timestamp, img.Width, img.Height).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create image: %w", err)
	}
	return id, nil
}

// AddToCollection adds images to a collection
func (s *Store) AddToCollection(ctx context.Context, collectionID int64, imageIDs []int64) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO ami_collection_images (collection_id, source_image_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING
	`, collectionID, imageIDs)
	if err != nil {
		return fmt.Errorf("failed to add images to collection %d: %w", collectionID, err)
	}
	return nil
}

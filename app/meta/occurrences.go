package meta

import (
	"context"
	"fmt"

	"github.com/ami-platform/ami-jobs/app/orchestration"
)

var _ orchestration.OccurrenceSource = (*Store)(nil)

func (s *Store) CountOccurrences(ctx context.Context, projectID int64) (int, error) {
	var n int
	err := s.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM ami_occurrences WHERE project_id = $1`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count occurrences: %w", err)
	}
	return n, nil
}

// ListOccurrences returns up to limit occurrences with id above afterID
func (s *Store) ListOccurrences(ctx context.Context, projectID, afterID int64, limit int) ([]orchestration.ExportRecord, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT o.id, COALESCE(o.event_id, 0), o.deployment_id, COALESCE(t.name, ''),
		       o.determination_score, COUNT(d.id), MIN(i.timestamp), MAX(i.timestamp)
		FROM ami_occurrences o
		LEFT JOIN ami_taxa t ON t.id = o.determination_id
		LEFT JOIN ami_detections d ON d.occurrence_id = o.id
		LEFT JOIN ami_source_images i ON i.id = d.source_image_id
		WHERE o.project_id = $1 AND o.id > $2
		GROUP BY o.id, t.name
		ORDER BY o.id
		LIMIT $3
	`, projectID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list occurrences: %w", err)
	}
	defer rows.Close()

	var out []orchestration.ExportRecord
	for rows.Next() {
		var r orchestration.ExportRecord
		err := rows.Scan(&r.ID, &r.EventID, &r.DeploymentID, &r.Determination,
			&r.DeterminationScore, &r.DetectionsCount, &r.FirstAppearance, &r.LastAppearance)
		if err != nil {
			return nil, fmt.Errorf("failed to scan occurrence: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

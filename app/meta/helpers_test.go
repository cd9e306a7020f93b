package meta

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ami-platform/ami-jobs/app/db"
	"github.com/ami-platform/ami-jobs/testutil"
)

// testStore connects to the test database, initializes the schema and
// empties every table
func testStore(t *testing.T) (*Store, *db.DB) {
	t.Helper()

	database, err := db.NewDB(testutil.RequireDB(t))
	require.NoError(t, err)
	t.Cleanup(database.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, database.InitSchema(ctx))

	_, err = database.Pool.Exec(ctx, `
		TRUNCATE ami_jobs, ami_events, ami_source_images, ami_collection_images,
		         ami_taxa, ami_occurrences, ami_detections, ami_classifications,
		         ami_identifications, ami_processing_services
		RESTART IDENTITY CASCADE
	`)
	require.NoError(t, err)
	return NewStore(database), database
}

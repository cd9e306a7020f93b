package orchestration

import (
	"context"
	"errors"
	"fmt"

	"github.com/ami-platform/ami-jobs/app/clustering"
	"github.com/ami-platform/ami-jobs/app/jobs"
)

const (
	ClusteringJobKey = "detection_clustering"

	StageClustering = "clustering"
)

type ClusteringParams struct {
	CollectionID int64 `json:"collection_id"`
	clustering.Config
}

// DetectionClusterer runs clustering over one collection
type DetectionClusterer interface {
	Run(ctx context.Context, collectionID int64, cfg clustering.Config) (*clustering.Report, error)
}

var _ DetectionClusterer = (*clustering.Processor)(nil)

type ClusteringJobRunner struct {
	processor DetectionClusterer
}

func NewClusteringJobRunner(processor DetectionClusterer) *ClusteringJobRunner {
	return &ClusteringJobRunner{processor: processor}
}

func (r *ClusteringJobRunner) Key() string  { return ClusteringJobKey }
func (r *ClusteringJobRunner) Name() string { return "Detection clustering" }

func (r *ClusteringJobRunner) Setup(job *jobs.Job) {
	stage := job.Progress.AddStage(StageClustering, "Clustering")
	var params ClusteringParams
	if err := job.DecodeParams(&params); err == nil {
		stage.SetParam("collection_id", "Collection", params.CollectionID)
	}
}

func (r *ClusteringJobRunner) Run(ctx context.Context, rc *jobs.RunContext) (jobs.RunOutcome, error) {
	var params ClusteringParams
	if err := rc.Job.DecodeParams(&params); err != nil {
		return jobs.RunComplete, err
	}
	if params.CollectionID == 0 {
		return jobs.RunComplete, errors.New("clustering job has no collection")
	}
	params.Label = fmt.Sprintf("job %d", rc.Job.ID)

	if err := rc.UpdateStage(ctx, StageClustering, jobs.StatusStarted, 0); err != nil {
		return jobs.RunComplete, err
	}
	report, err := r.processor.Run(ctx, params.CollectionID, params.Config)
	if err != nil {
		return jobs.RunComplete, err
	}

	stage := rc.Job.Progress.Stage(StageClustering)
	stage.SetParam("detections", "Detections", report.Detections)
	stage.SetParam("clusters", "Clusters", len(report.Clusters))
	stage.SetParam("feature_extraction_algorithm", "Feature algorithm", report.FeatureAlgorithm)
	if err := rc.Job.SetResult(report); err != nil {
		return jobs.RunComplete, err
	}
	rc.Logger.Info("clustering finished", "detections", report.Detections, "clusters", len(report.Clusters))
	return jobs.RunComplete, rc.UpdateStage(ctx, StageClustering, jobs.StatusSuccess, 1)
}

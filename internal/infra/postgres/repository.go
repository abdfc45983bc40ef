package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
)

type ArtifactRepository struct {
	pool *pgxpool.Pool
}

func NewArtifactRepository(pool *pgxpool.Pool) *ArtifactRepository {
	return &ArtifactRepository{pool: pool}
}

// Save upserts one video's artifact row. Unset fields are written as NULL
// and never clobber values another job type already stored for the video.
func (r *ArtifactRepository) Save(ctx context.Context, a *entity.Artifact) error {
	query := `
		INSERT INTO video_artifacts (
			video_id, course_id, duration_seconds, thumbnail_key, transcript,
			created_at, updated_at
		) VALUES ($1, NULLIF($2,''), $3, NULLIF($4,''), NULLIF($5,''), now(), now())
		ON CONFLICT (video_id) DO UPDATE SET
			course_id        = COALESCE(EXCLUDED.course_id, video_artifacts.course_id),
			duration_seconds = COALESCE(EXCLUDED.duration_seconds, video_artifacts.duration_seconds),
			thumbnail_key    = COALESCE(EXCLUDED.thumbnail_key, video_artifacts.thumbnail_key),
			transcript       = COALESCE(EXCLUDED.transcript, video_artifacts.transcript),
			updated_at       = now()`

	_, err := r.pool.Exec(ctx, query,
		a.VideoID, a.CourseID, a.Duration, a.ThumbnailKey, a.Transcript,
	)
	if err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}
	return nil
}

func (r *ArtifactRepository) FindByVideoID(ctx context.Context, videoID string) (*entity.Artifact, error) {
	query := `
		SELECT video_id, COALESCE(course_id,''), duration_seconds,
			COALESCE(thumbnail_key,''), COALESCE(transcript,'')
		FROM video_artifacts WHERE video_id=$1`

	a := &entity.Artifact{}
	err := r.pool.QueryRow(ctx, query, videoID).Scan(
		&a.VideoID, &a.CourseID, &a.Duration, &a.ThumbnailKey, &a.Transcript,
	)
	if err != nil {
		return nil, fmt.Errorf("find artifact by video id: %w", err)
	}
	return a, nil
}

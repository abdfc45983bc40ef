package integration

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
	miniostorage "github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/minio"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/postgres"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/pkg/logger"
	"github.com/jackc/pgx/v5/pgxpool"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// Three worker types write to the same video_artifacts row at different
// times. The row must accumulate fields instead of each job type clobbering
// what the previous one stored.
func TestArtifactAccumulationAcrossJobTypes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Start PostgreSQL container
	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("unpuzzle"),
		tcpostgres.WithUsername("unpuzzle"),
		tcpostgres.WithPassword("unpuzzle"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	defer pgContainer.Terminate(ctx)

	pgConnStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, pgConnStr)
	require.NoError(t, err)
	defer pool.Close()

	log, _ := logger.New("debug")

	// Run migrations, twice to prove they are idempotent
	require.NoError(t, postgres.RunMigrations(ctx, pool, "../../migrations", log))
	require.NoError(t, postgres.RunMigrations(ctx, pool, "../../migrations", log))

	repo := postgres.NewArtifactRepository(pool)

	// Duration worker finishes first
	duration := 127.48
	err = repo.Save(ctx, &entity.Artifact{
		VideoID:  "video-1",
		CourseID: "course-9",
		Duration: &duration,
	})
	require.NoError(t, err)

	// Thumbnail worker lands next, without knowing the course
	err = repo.Save(ctx, &entity.Artifact{
		VideoID:      "video-1",
		ThumbnailKey: "video-1.jpg",
	})
	require.NoError(t, err)

	// Transcription worker last
	err = repo.Save(ctx, &entity.Artifact{
		VideoID:    "video-1",
		Transcript: "hello from the integration suite",
	})
	require.NoError(t, err)

	got, err := repo.FindByVideoID(ctx, "video-1")
	require.NoError(t, err)
	assert.Equal(t, "video-1", got.VideoID)
	assert.Equal(t, "course-9", got.CourseID, "later saves without a course must not erase it")
	require.NotNil(t, got.Duration)
	assert.InDelta(t, 127.48, *got.Duration, 0.001)
	assert.Equal(t, "video-1.jpg", got.ThumbnailKey)
	assert.Equal(t, "hello from the integration suite", got.Transcript)

	// Re-running a job type replaces its own field
	updated := 90.0
	err = repo.Save(ctx, &entity.Artifact{VideoID: "video-1", Duration: &updated})
	require.NoError(t, err)

	got, err = repo.FindByVideoID(ctx, "video-1")
	require.NoError(t, err)
	require.NotNil(t, got.Duration)
	assert.InDelta(t, 90.0, *got.Duration, 0.001)
	assert.Equal(t, "video-1.jpg", got.ThumbnailKey, "duration re-run must keep the thumbnail")

	// Unknown video is an error, not an empty row
	_, err = repo.FindByVideoID(ctx, "no-such-video")
	assert.Error(t, err)
}

func TestThumbnailUploadRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Start MinIO container
	minioContainer, err := tcminio.Run(ctx,
		"minio/minio:latest",
		tcminio.WithUsername("minioadmin"),
		tcminio.WithPassword("minioadmin"),
	)
	require.NoError(t, err)
	defer minioContainer.Terminate(ctx)

	minioEndpoint, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err)

	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:        minioEndpoint,
		AccessKey:       "minioadmin",
		SecretKey:       "minioadmin",
		UseSSL:          false,
		MediaBucket:     "media",
		ThumbnailBucket: "thumbnails",
	})
	require.NoError(t, err)
	require.NoError(t, storage.EnsureBuckets(ctx))

	// EnsureBuckets is called on every worker start, so it must tolerate
	// buckets that already exist.
	require.NoError(t, storage.EnsureBuckets(ctx))

	frame := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46, 0x49, 0x46}
	err = storage.UploadThumbnail(ctx, "video-7.jpg", bytes.NewReader(frame), int64(len(frame)), "image/jpeg")
	require.NoError(t, err)

	minioClient, err := miniogo.New(minioEndpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	require.NoError(t, err)

	stat, err := minioClient.StatObject(ctx, "thumbnails", "video-7.jpg", miniogo.StatObjectOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(len(frame)), stat.Size)
	assert.Equal(t, "image/jpeg", stat.ContentType)
}

package port

import (
	"context"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
)

// ArtifactRepository persists analysis results to the platform database.
// Write-only from this subsystem's perspective; the UI layer reads them.
type ArtifactRepository interface {
	Save(ctx context.Context, artifact *entity.Artifact) error
}

package core

import "context"

// ArtifactStore keeps versioned blobs per scope. Versions start at 1 and grow
// by one per Save of the same name. Load with version 0 returns the latest.
type ArtifactStore interface {
	Save(ctx context.Context, scope, name string, data []byte) (int, error)
	Load(ctx context.Context, scope, name string, version int) ([]byte, error)
	Versions(ctx context.Context, scope, name string) ([]int, error)
	List(ctx context.Context, scope string) ([]string, error)
	Delete(ctx context.Context, scope, name string) error
}

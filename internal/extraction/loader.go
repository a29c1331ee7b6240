package extraction

import (
	"context"
	"fmt"
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// SourceFile is one uploaded file before page preparation
type SourceFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// LoadWorkItems prepares the pages of every file in parallel and returns one
// work item per file, in input order. Any file that cannot be prepared fails
// the whole load.
func LoadWorkItems(ctx context.Context, files []SourceFile) ([]WorkItem, error) {
	items := make([]WorkItem, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(runtime.NumCPU(), 1))

	for i := range files {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			pages, err := PreparePages(files[i].Data, files[i].ContentType)
			if err != nil {
				return fmt.Errorf("%s: %w", files[i].Name, err)
			}

			items[i] = WorkItem{
				ID:          uuid.NewString(),
				SourceLabel: files[i].Name,
				PageCount:   len(pages),
				Pages:       pages,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

package modsource

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// FileSource reads modules from the local filesystem.
type FileSource struct{}

func (FileSource) Fetch(_ context.Context, ref string) ([]byte, error) {
	path := strings.TrimPrefix(ref, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	return data, nil
}

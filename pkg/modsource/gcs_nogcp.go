//go:build !gcp

package modsource

import (
	"context"
	"fmt"
)

func newGCSSource(context.Context) (Source, error) {
	return nil, fmt.Errorf("GCS module sources are not enabled in this build (use -tags gcp)")
}

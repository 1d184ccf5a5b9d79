package clients

import (
	"context"

	"competition-coordinator/services"
	"competition-coordinator/utils"
)

// DiskArchiver keeps archive records under a local directory. It stands in
// for R2 on single-node deployments.
type DiskArchiver struct {
	Root string
}

func (a *DiskArchiver) Archive(_ context.Context, key string, body []byte) error {
	path, err := utils.SafeJoin(a.Root, key)
	if err != nil {
		return services.Validation("archive", err)
	}
	if err := utils.SaveFile(path, body); err != nil {
		return services.Transient("archive", err)
	}
	return nil
}

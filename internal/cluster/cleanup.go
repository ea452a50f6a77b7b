package cluster

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vaheed/resource-dispatcher/internal/logging"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// RemoveOwned deletes every object carrying the ownership marker in every
// namespace. It is idempotent and best-effort: failures are collected and the
// sweep continues. It returns the number of objects deleted.
func RemoveOwned(ctx context.Context, c Client) (int, error) {
	lg := logging.FromContext(ctx)
	nsList, err := c.ListNamespaces(ctx)
	if err != nil {
		return 0, fmt.Errorf("list namespaces: %w", err)
	}
	deleted := 0
	var errs []error
	for _, ns := range nsList.Items {
		for _, info := range types.AllKinds() {
			items, err := c.List(ctx, info.GVK, ns.Name, OwnedSelector())
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for i := range items {
				if err := c.Delete(ctx, &items[i]); err != nil {
					errs = append(errs, fmt.Errorf("delete %s %s/%s: %w", info.Kind, ns.Name, items[i].GetName(), err))
					continue
				}
				deleted++
				lg.Info("cleanup.object.deleted", zap.String("namespace", ns.Name), zap.String("kind", string(info.Kind)), zap.String("name", items[i].GetName()))
			}
		}
	}
	lg.Info("cleanup.done", zap.Int("deleted", deleted), zap.Int("errors", len(errs)))
	return deleted, errors.Join(errs...)
}

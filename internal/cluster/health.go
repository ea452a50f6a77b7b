package cluster

import (
	"context"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/discovery"

	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// Conditions reports whether the API server answers and which optional APIs
// the dispatcher writes to are served.
func Conditions(ctx context.Context, disc discovery.DiscoveryInterface) []types.Condition {
	now := time.Now().UTC()
	if _, err := disc.ServerVersion(); err != nil {
		return []types.Condition{{Type: "APIReachable", Status: "False", Reason: "Error", Message: err.Error(), LastTransitionTime: now}}
	}
	conds := []types.Condition{{Type: "APIReachable", Status: "True", LastTransitionTime: now}}
	info, _ := types.KindPodDefault.Info()
	conds = append(conds, served(disc, "PodDefaultServed", info.GVK.GroupVersion().String(), info.GVK.Kind, now))
	conds = append(conds, served(disc, "AuthorizationPolicyServed", "security.istio.io/v1", "AuthorizationPolicy", now))
	return conds
}

func served(disc discovery.DiscoveryInterface, condType, groupVersion, kind string, now time.Time) types.Condition {
	list, err := disc.ServerResourcesForGroupVersion(groupVersion)
	if err != nil {
		reason := "Error"
		if apierrors.IsNotFound(err) {
			reason = "NotInstalled"
		}
		return types.Condition{Type: condType, Status: "False", Reason: reason, Message: err.Error(), LastTransitionTime: now}
	}
	for _, r := range list.APIResources {
		if r.Kind == kind {
			return types.Condition{Type: condType, Status: "True", LastTransitionTime: now}
		}
	}
	return types.Condition{Type: condType, Status: "False", Reason: "NotInstalled", LastTransitionTime: now}
}

package cluster

import (
	"context"
	"fmt"

	authorizationv1 "k8s.io/api/authorization/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/vaheed/resource-dispatcher/pkg/types"
)

var objectVerbs = []string{"get", "list", "create", "update", "delete"}

// RequiredRules are the cluster permissions the dispatcher runs with.
func RequiredRules() []rbacv1.PolicyRule {
	rules := []rbacv1.PolicyRule{{
		APIGroups: []string{""},
		Resources: []string{"namespaces"},
		Verbs:     []string{"get", "list", "watch"},
	}}
	byGroup := map[string][]string{}
	var groups []string
	for _, info := range types.AllKinds() {
		if _, ok := byGroup[info.GVK.Group]; !ok {
			groups = append(groups, info.GVK.Group)
		}
		byGroup[info.GVK.Group] = append(byGroup[info.GVK.Group], info.Resource)
	}
	for _, g := range groups {
		rules = append(rules, rbacv1.PolicyRule{APIGroups: []string{g}, Resources: byGroup[g], Verbs: objectVerbs})
	}
	// RBAC escalation: the dispatcher hands out roles it does not hold itself
	rules = append(rules, rbacv1.PolicyRule{
		APIGroups: []string{"rbac.authorization.k8s.io"},
		Resources: []string{"roles", "clusterroles"},
		Verbs:     []string{"bind", "escalate"},
	}, rbacv1.PolicyRule{
		APIGroups: []string{"security.istio.io"},
		Resources: []string{"authorizationpolicies"},
		Verbs:     objectVerbs,
	})
	return rules
}

// ClusterRole renders RequiredRules as a ClusterRole named name.
func ClusterRole(name string) *rbacv1.ClusterRole {
	return &rbacv1.ClusterRole{
		TypeMeta:   metav1.TypeMeta{APIVersion: "rbac.authorization.k8s.io/v1", Kind: "ClusterRole"},
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: map[string]string{LabelManagedBy: ManagedByValue}},
		Rules:      RequiredRules(),
	}
}

// MissingPermissions asks the API server which object verbs the current
// identity lacks, cluster wide. The result reads like "create secrets".
func MissingPermissions(ctx context.Context, cset kubernetes.Interface) ([]string, error) {
	var missing []string
	for _, info := range types.AllKinds() {
		for _, verb := range objectVerbs {
			review := &authorizationv1.SelfSubjectAccessReview{
				Spec: authorizationv1.SelfSubjectAccessReviewSpec{
					ResourceAttributes: &authorizationv1.ResourceAttributes{
						Group:    info.GVK.Group,
						Resource: info.Resource,
						Verb:     verb,
					},
				},
			}
			res, err := cset.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
			if err != nil {
				return missing, fmt.Errorf("access review %s %s: %w", verb, info.Resource, err)
			}
			if !res.Status.Allowed {
				missing = append(missing, verb+" "+info.Resource)
			}
		}
	}
	return missing, nil
}

package cluster

import (
	"context"
	"testing"

	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	fakediscovery "k8s.io/client-go/discovery/fake"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/vaheed/resource-dispatcher/pkg/types"
)

func TestRemoveOwnedSparesForeignObjects(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "ns-a", "ns-b")
	for _, ns := range []string{"ns-a", "ns-b"} {
		owned := secret(ns, "injected")
		MarkOwned(owned, "secrets/secret/injected", "h")
		if err := c.Create(ctx, owned); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Create(ctx, secret("ns-a", "user-secret")); err != nil {
		t.Fatal(err)
	}

	n, err := RemoveOwned(ctx, c)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deletions, got %d", n)
	}
	info, _ := types.KindSecret.Info()
	if _, err := c.Get(ctx, info.GVK, "ns-a", "user-secret"); err != nil {
		t.Fatalf("foreign secret must survive: %v", err)
	}
	// second sweep is a no-op
	if n, err := RemoveOwned(ctx, c); err != nil || n != 0 {
		t.Fatalf("second sweep: %d %v", n, err)
	}
}

func TestConditions(t *testing.T) {
	cset := k8sfake.NewSimpleClientset()
	disc := cset.Discovery().(*fakediscovery.FakeDiscovery)
	disc.Resources = []*metav1.APIResourceList{{
		GroupVersion: "kubeflow.org/v1alpha1",
		APIResources: []metav1.APIResource{{Name: "poddefaults", Kind: "PodDefault", Namespaced: true}},
	}}
	conds := Conditions(context.Background(), disc)
	got := map[string]string{}
	for _, c := range conds {
		got[c.Type] = c.Status
	}
	if got["APIReachable"] != "True" || got["PodDefaultServed"] != "True" || got["AuthorizationPolicyServed"] != "False" {
		t.Fatalf("unexpected conditions %v", got)
	}
}

func TestMissingPermissions(t *testing.T) {
	cset := k8sfake.NewSimpleClientset()
	cset.PrependReactor("create", "selfsubjectaccessreviews", func(action k8stesting.Action) (bool, runtime.Object, error) {
		review := action.(k8stesting.CreateAction).GetObject().(*authorizationv1.SelfSubjectAccessReview)
		attrs := review.Spec.ResourceAttributes
		review.Status.Allowed = !(attrs.Resource == "poddefaults" && attrs.Verb == "delete")
		return true, review, nil
	})
	missing, err := MissingPermissions(context.Background(), cset)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0] != "delete poddefaults" {
		t.Fatalf("unexpected %v", missing)
	}
}

func TestClusterRoleCoversEveryKind(t *testing.T) {
	role := ClusterRole("resource-dispatcher")
	resources := map[string]bool{}
	for _, r := range role.Rules {
		for _, res := range r.Resources {
			resources[res] = true
		}
	}
	for _, info := range types.AllKinds() {
		if !resources[info.Resource] {
			t.Fatalf("%s missing from cluster role", info.Resource)
		}
	}
}

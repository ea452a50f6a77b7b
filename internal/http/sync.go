package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/vaheed/resource-dispatcher/internal/lib/httperr"
	"github.com/vaheed/resource-dispatcher/internal/logging"
	"github.com/vaheed/resource-dispatcher/internal/reconcile"
	"github.com/vaheed/resource-dispatcher/internal/watcher"
	"github.com/vaheed/resource-dispatcher/pkg/types"
)

// SyncRequest is the body Metacontroller posts to a composite controller
// whose parent is a Namespace.
type SyncRequest struct {
	Parent   corev1.Namespace           `json:"parent"`
	Children map[string]json.RawMessage `json:"children,omitempty"`
}

type SyncStatus struct {
	Qualified bool     `json:"qualified"`
	Objects   int      `json:"objects"`
	Invalid   []string `json:"invalid,omitempty"`
}

type SyncResponse struct {
	Status   SyncStatus                   `json:"status"`
	Children []*unstructured.Unstructured `json:"children"`
}

// sync answers with the objects the parent namespace should hold.
func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		httperr.Write(w, http.StatusBadRequest, "RD-400", err.Error())
		return
	}
	if req.Parent.Name == "" {
		httperr.Write(w, http.StatusBadRequest, "RD-400", "parent namespace has no name")
		return
	}
	rec := watcher.Record(&req.Parent)
	resp := SyncResponse{Children: []*unstructured.Unstructured{}}
	resp.Status.Qualified = rec.Phase != types.NamespaceTerminating &&
		(s.opts.Namespaces == nil || s.opts.Namespaces.Qualifies(rec))
	if resp.Status.Qualified && s.opts.Templates != nil {
		want := reconcile.Desired(s.opts.Templates.Matching(rec.LabelSet()), rec)
		resp.Children = want.Marked()
		resp.Status.Objects = len(resp.Children)
		for _, err := range want.Invalid {
			resp.Status.Invalid = append(resp.Status.Invalid, err.Error())
		}
		if err := errors.Join(want.Invalid...); err != nil {
			logging.FromContext(r.Context()).Warn("sync.invalid_templates", zap.String("namespace", rec.Name), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

package v1alpha1

import (
	"maps"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var (
	// GroupVersion is the Kubeflow admission API the PodDefault kind lives in.
	GroupVersion = schema.GroupVersion{Group: "kubeflow.org", Version: "v1alpha1"}
)

// PodDefaultSpec is the subset of the Kubeflow PodDefault spec the dispatcher validates.
type PodDefaultSpec struct {
	Selector                     metav1.LabelSelector          `json:"selector"`
	Desc                         string                        `json:"desc,omitempty"`
	ServiceAccountName           string                        `json:"serviceAccountName,omitempty"`
	AutomountServiceAccountToken *bool                         `json:"automountServiceAccountToken,omitempty"`
	Env                          []corev1.EnvVar               `json:"env,omitempty"`
	EnvFrom                      []corev1.EnvFromSource        `json:"envFrom,omitempty"`
	Volumes                      []corev1.Volume               `json:"volumes,omitempty"`
	VolumeMounts                 []corev1.VolumeMount          `json:"volumeMounts,omitempty"`
	Annotations                  map[string]string             `json:"annotations,omitempty"`
	Labels                       map[string]string             `json:"labels,omitempty"`
	Tolerations                  []corev1.Toleration           `json:"tolerations,omitempty"`
	ImagePullSecrets             []corev1.LocalObjectReference `json:"imagePullSecrets,omitempty"`
	Command                      []string                      `json:"command,omitempty"`
	Args                         []string                      `json:"args,omitempty"`
}

func (s PodDefaultSpec) DeepCopy() PodDefaultSpec {
	out := s
	out.Selector = *s.Selector.DeepCopy()
	if s.AutomountServiceAccountToken != nil {
		v := *s.AutomountServiceAccountToken
		out.AutomountServiceAccountToken = &v
	}
	if s.Env != nil {
		out.Env = make([]corev1.EnvVar, len(s.Env))
		for i := range s.Env {
			s.Env[i].DeepCopyInto(&out.Env[i])
		}
	}
	if s.EnvFrom != nil {
		out.EnvFrom = make([]corev1.EnvFromSource, len(s.EnvFrom))
		for i := range s.EnvFrom {
			s.EnvFrom[i].DeepCopyInto(&out.EnvFrom[i])
		}
	}
	if s.Volumes != nil {
		out.Volumes = make([]corev1.Volume, len(s.Volumes))
		for i := range s.Volumes {
			s.Volumes[i].DeepCopyInto(&out.Volumes[i])
		}
	}
	if s.VolumeMounts != nil {
		out.VolumeMounts = append([]corev1.VolumeMount{}, s.VolumeMounts...)
	}
	if s.Annotations != nil {
		out.Annotations = maps.Clone(s.Annotations)
	}
	if s.Labels != nil {
		out.Labels = maps.Clone(s.Labels)
	}
	if s.Tolerations != nil {
		out.Tolerations = make([]corev1.Toleration, len(s.Tolerations))
		for i := range s.Tolerations {
			s.Tolerations[i].DeepCopyInto(&out.Tolerations[i])
		}
	}
	if s.ImagePullSecrets != nil {
		out.ImagePullSecrets = append([]corev1.LocalObjectReference{}, s.ImagePullSecrets...)
	}
	if s.Command != nil {
		out.Command = append([]string{}, s.Command...)
	}
	if s.Args != nil {
		out.Args = append([]string{}, s.Args...)
	}
	return out
}

// PodDefault injects fields into pods matching its selector at admission time.
type PodDefault struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec PodDefaultSpec `json:"spec,omitempty"`
}

func (in *PodDefault) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := *in
	out.ObjectMeta = *in.ObjectMeta.DeepCopy()
	out.Spec = in.Spec.DeepCopy()
	return &out
}

// PodDefaultList is a list of PodDefaults.
type PodDefaultList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []PodDefault `json:"items"`
}

func (in *PodDefaultList) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := *in
	out.ListMeta = in.ListMeta
	if in.Items != nil {
		out.Items = make([]PodDefault, len(in.Items))
		for i := range in.Items {
			out.Items[i] = *in.Items[i].DeepCopyObject().(*PodDefault)
		}
	}
	return &out
}

// AddToScheme registers the PodDefault types.
func AddToScheme(s *runtime.Scheme) error {
	s.AddKnownTypes(GroupVersion, &PodDefault{}, &PodDefaultList{})
	metav1.AddToGroupVersion(s, GroupVersion)
	return nil
}

package sandbox

import (
	"encoding/json"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/resource-slot/pkg/resources"
)

// SandboxData is the specification document a sandbox is created or
// updated with. Only the annotations and the Linux resources section of
// the OCI spec are interpreted; everything else is stored as-is.
type SandboxData struct {
	Spec   *specs.Spec       `json:"spec,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// ContainerData is the specification document for a container
type ContainerData struct {
	Spec   *specs.Spec       `json:"spec,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

var (
	_ resources.Annotated   = SandboxData{}
	_ resources.Constrained = SandboxData{}
	_ resources.Constrained = ContainerData{}
)

// Annotations returns the OCI spec annotations, or nil
func (d SandboxData) Annotations() map[string]string {
	if d.Spec == nil {
		return nil
	}
	return d.Spec.Annotations
}

// LinuxResources returns the Linux resources section, or nil
func (d SandboxData) LinuxResources() *specs.LinuxResources {
	return linuxResources(d.Spec)
}

// Clone returns a deep copy of the document
func (d SandboxData) Clone() SandboxData {
	return SandboxData{
		Spec:   cloneSpec(d.Spec),
		Labels: cloneLabels(d.Labels),
	}
}

// LinuxResources returns the Linux resources section, or nil. Containers
// deliberately expose no annotations to the extractor.
func (d ContainerData) LinuxResources() *specs.LinuxResources {
	return linuxResources(d.Spec)
}

// Clone returns a deep copy of the document
func (d ContainerData) Clone() ContainerData {
	return ContainerData{
		Spec:   cloneSpec(d.Spec),
		Labels: cloneLabels(d.Labels),
	}
}

func linuxResources(spec *specs.Spec) *specs.LinuxResources {
	if spec == nil || spec.Linux == nil {
		return nil
	}
	return spec.Linux.Resources
}

func cloneSpec(spec *specs.Spec) *specs.Spec {
	if spec == nil {
		return nil
	}

	raw, err := json.Marshal(spec)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to marshal spec for cloning, sharing original")
		return spec
	}

	var out specs.Spec
	if err := json.Unmarshal(raw, &out); err != nil {
		log.Warn().Err(err).Msg("Failed to unmarshal spec for cloning, sharing original")
		return spec
	}
	return &out
}

func cloneLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

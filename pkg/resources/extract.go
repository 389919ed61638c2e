package resources

import (
	"math"
	"strconv"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// Annotation keys read from sandbox documents as a fallback channel for
// resource intent.
const (
	AnnotationCPULimit      = "resources.limits.cpu"
	AnnotationCPURequest    = "resources.requests.cpu"
	AnnotationMemoryLimit   = "resources.limits.memory"
	AnnotationMemoryRequest = "resources.requests.memory"
	AnnotationPIDLimit      = "resources.limits.pid"
	AnnotationPIDRequest    = "resources.requests.pid"
)

// cpuShareUnit is the kernel's share count for one full core
const cpuShareUnit = 1024.0

// Source selects which extraction rules apply to a document
type Source int

const (
	// SourceSandbox applies annotation fallback and Linux resources
	SourceSandbox Source = iota
	// SourceContainer applies Linux resources only
	SourceContainer
)

// String returns the source name
func (s Source) String() string {
	switch s {
	case SourceSandbox:
		return "sandbox"
	case SourceContainer:
		return "container"
	default:
		return "unknown"
	}
}

// Constrained is implemented by documents that may carry a Linux resources
// section. A nil return means the section is absent.
type Constrained interface {
	LinuxResources() *specs.LinuxResources
}

// Annotated is implemented by documents that carry free-form annotations
type Annotated interface {
	Annotations() map[string]string
}

// Extract derives resource intent from doc. It never fails: malformed or
// missing values leave the matching field unset.
//
// For SourceSandbox, annotations are read first (when doc implements
// Annotated) and any value found in the Linux resources section then
// overwrites them.
func Extract(doc Constrained, source Source) Info {
	var info Info
	if doc == nil {
		return info
	}

	if source == SourceSandbox {
		if annotated, ok := doc.(Annotated); ok {
			fromAnnotations(&info, annotated.Annotations())
		}
	}

	fromLinuxResources(&info, doc.LinuxResources())
	return info
}

func fromAnnotations(info *Info, annotations map[string]string) {
	if len(annotations) == 0 {
		return
	}

	if v, ok := parseCores(annotations, AnnotationCPULimit); ok {
		info.CPULimit = &v
	}
	if v, ok := parseCores(annotations, AnnotationCPURequest); ok {
		info.CPURequest = &v
	}
	if v, ok := parseUint(annotations, AnnotationMemoryLimit, 64); ok {
		info.MemoryLimit = &v
	}
	if v, ok := parseUint(annotations, AnnotationMemoryRequest, 64); ok {
		info.MemoryRequest = &v
	}
	// Both pid keys feed the same field; the limits key wins.
	if v, ok := parseUint(annotations, AnnotationPIDRequest, 32); ok {
		info.PIDLimit = uint32Ptr(uint32(v))
	}
	if v, ok := parseUint(annotations, AnnotationPIDLimit, 32); ok {
		info.PIDLimit = uint32Ptr(uint32(v))
	}
}

func fromLinuxResources(info *Info, res *specs.LinuxResources) {
	if res == nil {
		return
	}

	if cpu := res.CPU; cpu != nil {
		if cpu.Shares != nil {
			info.CPURequest = float64Ptr(float64(*cpu.Shares) / cpuShareUnit)
		}
		if cpu.Quota != nil && cpu.Period != nil {
			// quota <= 0 is the kernel's "unlimited" and clears any annotation value
			if *cpu.Quota > 0 && *cpu.Period > 0 {
				info.CPULimit = float64Ptr(float64(*cpu.Quota) / float64(*cpu.Period))
			} else {
				log.Debug().Int64("quota", *cpu.Quota).Uint64("period", *cpu.Period).Msg("Unbounded CPU quota, clearing limit")
				info.CPULimit = nil
			}
		}
	}

	if mem := res.Memory; mem != nil && mem.Limit != nil {
		if *mem.Limit > 0 {
			info.MemoryLimit = uint64Ptr(uint64(*mem.Limit))
		} else {
			log.Debug().Int64("limit", *mem.Limit).Msg("Unbounded memory limit, clearing limit")
			info.MemoryLimit = nil
		}
	}

	if pids := res.Pids; pids != nil {
		if pids.Limit > 0 && pids.Limit <= math.MaxUint32 {
			info.PIDLimit = uint32Ptr(uint32(pids.Limit))
		} else {
			log.Debug().Int64("limit", pids.Limit).Msg("Unbounded pid limit, clearing limit")
			info.PIDLimit = nil
		}
	}
}

func parseCores(annotations map[string]string, key string) (float64, bool) {
	raw, ok := annotations[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		log.Debug().Str("annotation", key).Str("value", raw).Msg("Ignoring unparsable CPU annotation")
		return 0, false
	}
	return v, true
}

func parseUint(annotations map[string]string, key string, bits int) (uint64, bool) {
	raw, ok := annotations[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, bits)
	if err != nil {
		log.Debug().Str("annotation", key).Str("value", raw).Err(err).Msg("Ignoring unparsable annotation")
		return 0, false
	}
	return v, true
}

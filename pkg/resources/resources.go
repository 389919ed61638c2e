package resources

import (
	"fmt"
)

// Info is the resource intent declared for a sandbox or container.
// A nil field means the intent was not specified, which is different from
// a declared zero.
type Info struct {
	CPULimit         *float64 `json:"cpu_limit,omitempty"`
	CPURequest       *float64 `json:"cpu_request,omitempty"`
	MemoryLimit      *uint64  `json:"memory_limit,omitempty"`
	MemoryRequest    *uint64  `json:"memory_request,omitempty"`
	PIDLimit         *uint32  `json:"pid_limit,omitempty"`
	StorageLimit     *uint64  `json:"storage_limit,omitempty"`
	NetworkBandwidth *uint64  `json:"network_bandwidth,omitempty"`
}

// Field is a single populated resource intent, used for logging and display.
type Field struct {
	Name  string
	Unit  string
	Value string
}

// IsEmpty reports whether no intent field is set
func (i Info) IsEmpty() bool {
	return len(i.Fields()) == 0
}

// Clone returns a copy that shares no pointers with i
func (i Info) Clone() Info {
	var out Info
	if i.CPULimit != nil {
		out.CPULimit = float64Ptr(*i.CPULimit)
	}
	if i.CPURequest != nil {
		out.CPURequest = float64Ptr(*i.CPURequest)
	}
	if i.MemoryLimit != nil {
		out.MemoryLimit = uint64Ptr(*i.MemoryLimit)
	}
	if i.MemoryRequest != nil {
		out.MemoryRequest = uint64Ptr(*i.MemoryRequest)
	}
	if i.PIDLimit != nil {
		out.PIDLimit = uint32Ptr(*i.PIDLimit)
	}
	if i.StorageLimit != nil {
		out.StorageLimit = uint64Ptr(*i.StorageLimit)
	}
	if i.NetworkBandwidth != nil {
		out.NetworkBandwidth = uint64Ptr(*i.NetworkBandwidth)
	}
	return out
}

// Fields returns the populated fields in a stable order
func (i Info) Fields() []Field {
	var fields []Field
	if i.CPULimit != nil {
		fields = append(fields, Field{Name: "cpu_limit", Unit: "cores", Value: fmt.Sprintf("%g", *i.CPULimit)})
	}
	if i.CPURequest != nil {
		fields = append(fields, Field{Name: "cpu_request", Unit: "cores", Value: fmt.Sprintf("%g", *i.CPURequest)})
	}
	if i.MemoryLimit != nil {
		fields = append(fields, Field{Name: "memory_limit", Unit: "bytes", Value: fmt.Sprintf("%d", *i.MemoryLimit)})
	}
	if i.MemoryRequest != nil {
		fields = append(fields, Field{Name: "memory_request", Unit: "bytes", Value: fmt.Sprintf("%d", *i.MemoryRequest)})
	}
	if i.PIDLimit != nil {
		fields = append(fields, Field{Name: "pid_limit", Value: fmt.Sprintf("%d", *i.PIDLimit)})
	}
	if i.StorageLimit != nil {
		fields = append(fields, Field{Name: "storage_limit", Unit: "bytes", Value: fmt.Sprintf("%d", *i.StorageLimit)})
	}
	if i.NetworkBandwidth != nil {
		fields = append(fields, Field{Name: "network_bandwidth", Value: fmt.Sprintf("%d", *i.NetworkBandwidth)})
	}
	return fields
}

// Totals sums declared intent over a set of Info records. Counters track
// how many records declared each field so callers can tell "nothing
// declared" from "declared zero".
type Totals struct {
	CPULimit           float64 `json:"cpu_limit"`
	CPURequest         float64 `json:"cpu_request"`
	MemoryLimit        uint64  `json:"memory_limit"`
	MemoryRequest      uint64  `json:"memory_request"`
	PIDLimit           uint64  `json:"pid_limit"`
	CPULimitCount      int     `json:"cpu_limit_count"`
	CPURequestCount    int     `json:"cpu_request_count"`
	MemoryLimitCount   int     `json:"memory_limit_count"`
	MemoryRequestCount int     `json:"memory_request_count"`
	PIDLimitCount      int     `json:"pid_limit_count"`
}

// Add accumulates info into t
func (t *Totals) Add(info Info) {
	if info.CPULimit != nil {
		t.CPULimit += *info.CPULimit
		t.CPULimitCount++
	}
	if info.CPURequest != nil {
		t.CPURequest += *info.CPURequest
		t.CPURequestCount++
	}
	if info.MemoryLimit != nil {
		t.MemoryLimit += *info.MemoryLimit
		t.MemoryLimitCount++
	}
	if info.MemoryRequest != nil {
		t.MemoryRequest += *info.MemoryRequest
		t.MemoryRequestCount++
	}
	if info.PIDLimit != nil {
		t.PIDLimit += uint64(*info.PIDLimit)
		t.PIDLimitCount++
	}
}

// Usage is the capacity-planning view over the whole registry
type Usage struct {
	Sandboxes  int    `json:"sandboxes"`
	Running    int    `json:"running"`
	Containers int    `json:"containers"`
	Sandbox    Totals `json:"sandbox"`
	Container  Totals `json:"container"`
}

func float64Ptr(v float64) *float64 { return &v }
func uint64Ptr(v uint64) *uint64 { return &v }
func uint32Ptr(v uint32) *uint32 { return &v }

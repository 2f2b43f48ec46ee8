package client

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"github.com/zeusync/distmaster/internal/core/protocol"
	"gopkg.in/yaml.v3"
)

// Role is a role the slave offers to the master.
type Role struct {
	Name       string            `yaml:"name"`
	Attributes map[string]string `yaml:"attributes,omitempty"`
	// Performance is the initial estimate in units per second. Nil lets the master decide.
	Performance *float64 `yaml:"performance,omitempty"`
}

type rolesFile struct {
	Roles []Role `yaml:"roles"`
}

// LoadRolesYAML reads role declarations from a document of the form
//
//	roles:
//	  - name: render
//	    performance: 4
//	    attributes:
//	      unit_cost: 5ms
func LoadRolesYAML(r io.Reader) ([]Role, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file rolesFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	if err := validateRoles(file.Roles); err != nil {
		return nil, err
	}
	return file.Roles, nil
}

func validateRoles(roles []Role) error {
	seen := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("%w: empty role name", ErrInvalidConfig)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("%w: role %q declared twice", ErrInvalidConfig, r.Name)
		}
		seen[r.Name] = struct{}{}
		if r.Performance != nil && *r.Performance < 0 {
			return fmt.Errorf("%w: role %q has negative performance", ErrInvalidConfig, r.Name)
		}
	}
	return nil
}

func declarations(roles []Role) []protocol.RoleDeclaration {
	out := make([]protocol.RoleDeclaration, len(roles))
	for i, r := range roles {
		out[i] = protocol.RoleDeclaration{Name: r.Name, Attributes: r.Attributes, Performance: r.Performance}
	}
	return out
}

// Capacity describes the host a slave runs on.
type Capacity struct {
	LogicalCPUs int
	TotalMemory uint64
}

// DetectCapacity reads the host's logical CPU count and physical memory.
func DetectCapacity() (Capacity, error) {
	cpus, err := cpu.Counts(true)
	if err != nil {
		return Capacity{}, fmt.Errorf("count cpus: %w", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Capacity{LogicalCPUs: cpus}, fmt.Errorf("read memory: %w", err)
	}
	return Capacity{LogicalCPUs: cpus, TotalMemory: vm.Total}, nil
}

// AutoCapacity returns roles where every role without a declared performance starts
// at the host's logical CPU count.
func AutoCapacity(roles []Role) ([]Role, error) {
	cpus, err := cpu.Counts(true)
	if err != nil {
		return roles, fmt.Errorf("count cpus: %w", err)
	}
	return withPerformance(roles, float64(max(cpus, 1))), nil
}

func withPerformance(roles []Role, perf float64) []Role {
	out := make([]Role, len(roles))
	for i, r := range roles {
		out[i] = r
		if r.Performance == nil {
			v := perf
			out[i].Performance = &v
		}
	}
	return out
}

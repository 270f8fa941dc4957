// Package directory loads employee.toml and answers address-to-employee
// lookups for routing and worker startup.
package directory

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Runner names the agent backend an employee runs tasks with.
const (
	RunnerCodex  = "codex"
	RunnerClaude = "claude"
	RunnerLocal  = "local"
)

// ChannelFlags enables or disables individual channels per employee. A nil
// map or missing key means enabled.
type ChannelFlags map[string]bool

// Enabled reports whether the named channel is on for this employee.
func (f ChannelFlags) Enabled(channel string) bool {
	if f == nil {
		return true
	}
	on, ok := f[channel]
	if !ok {
		return true
	}
	return on
}

// Employee is one entry of employee.toml.
type Employee struct {
	ID          string       `toml:"id"`
	DisplayName string       `toml:"display_name"`
	Runner      string       `toml:"runner"`
	Model       string       `toml:"model"`
	Addresses   []string     `toml:"addresses"`
	RuntimeRoot string       `toml:"runtime_root"`
	AgentsPath  string       `toml:"agents_path"`
	ClaudePath  string       `toml:"claude_path"`
	SoulPath    string       `toml:"soul_path"`
	SkillsDir   string       `toml:"skills_dir"`
	Channels    ChannelFlags `toml:"channels"`

	addressSet map[string]struct{}
}

// HasAddress reports whether addr is one of the employee's addresses,
// case-insensitively.
func (e *Employee) HasAddress(addr string) bool {
	_, ok := e.addressSet[foldAddress(addr)]
	return ok
}

// Directory is the loaded employee roster.
type Directory struct {
	DefaultEmployeeID string
	employees         map[string]*Employee
	byAddress         map[string]*Employee
	order             []string
}

type fileShape struct {
	DefaultEmployeeID string     `toml:"default_employee_id"`
	Employees         []Employee `toml:"employees"`
}

// Load reads employee.toml from path, or EMPLOYEE_CONFIG_PATH when path is
// empty. Address collisions across employees are an error.
func Load(path string) (*Directory, error) {
	if path == "" {
		path = strings.TrimSpace(os.Getenv("EMPLOYEE_CONFIG_PATH"))
	}
	if path == "" {
		path = "employee.toml"
	}
	var shape fileShape
	if _, err := toml.DecodeFile(path, &shape); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return build(shape)
}

func build(shape fileShape) (*Directory, error) {
	d := &Directory{
		DefaultEmployeeID: strings.TrimSpace(shape.DefaultEmployeeID),
		employees:         map[string]*Employee{},
		byAddress:         map[string]*Employee{},
	}
	for i := range shape.Employees {
		emp := shape.Employees[i]
		emp.ID = strings.TrimSpace(emp.ID)
		if emp.ID == "" {
			return nil, fmt.Errorf("employee %d: missing id", i)
		}
		if _, dup := d.employees[emp.ID]; dup {
			return nil, fmt.Errorf("duplicate employee id %q", emp.ID)
		}
		switch emp.Runner {
		case "", RunnerCodex, RunnerClaude, RunnerLocal:
		default:
			return nil, fmt.Errorf("employee %q: unknown runner %q", emp.ID, emp.Runner)
		}
		if emp.Runner == "" {
			emp.Runner = RunnerCodex
		}
		emp.addressSet = make(map[string]struct{}, len(emp.Addresses))
		for _, addr := range emp.Addresses {
			folded := foldAddress(addr)
			if folded == "" {
				continue
			}
			if owner, taken := d.byAddress[folded]; taken {
				return nil, fmt.Errorf("address %q claimed by both %q and %q", addr, owner.ID, emp.ID)
			}
			emp.addressSet[folded] = struct{}{}
			d.byAddress[folded] = &emp
		}
		d.employees[emp.ID] = &emp
		d.order = append(d.order, emp.ID)
	}
	if d.DefaultEmployeeID != "" {
		if _, ok := d.employees[d.DefaultEmployeeID]; !ok {
			return nil, fmt.Errorf("default_employee_id %q not in roster", d.DefaultEmployeeID)
		}
	}
	return d, nil
}

// Get returns the employee with the given id.
func (d *Directory) Get(id string) (*Employee, bool) {
	e, ok := d.employees[id]
	return e, ok
}

// ByAddress resolves an address to its employee, case-insensitively.
func (d *Directory) ByAddress(addr string) (*Employee, bool) {
	e, ok := d.byAddress[foldAddress(addr)]
	return e, ok
}

// Default returns the default employee, if configured.
func (d *Directory) Default() (*Employee, bool) {
	if d.DefaultEmployeeID == "" {
		return nil, false
	}
	return d.Get(d.DefaultEmployeeID)
}

// All returns the employees in file order.
func (d *Directory) All() []*Employee {
	out := make([]*Employee, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.employees[id])
	}
	return out
}

func foldAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

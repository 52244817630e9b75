// Package config implements the Config Model & Validator: parsing of the
// Sentinel process manifest (YAML or JSON, same schema), normalization,
// env expansion, and validation (name uniqueness, dependency resolution,
// DAG acyclicity). It is grounded on the teacher's own config-loading style
// in internal/agentctl/config and internal/common/config, but the schema
// itself — process entries, dependency graphs, health checks — is specific
// to Sentinel and has no teacher analogue, so it is hand-rolled rather than
// decoded through viper/mapstructure.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kdlbs/sentinel/internal/sentinel/errs"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// HealthCheckConfig describes a per-process health probe.
type HealthCheckConfig struct {
	Command    string   `yaml:"command" json:"command"`
	Args       []string `yaml:"args" json:"args"`
	IntervalMS int      `yaml:"interval_ms" json:"interval_ms"`
	TimeoutMS  int      `yaml:"timeout_ms" json:"timeout_ms"`
	Retries    int      `yaml:"retries" json:"retries"`
}

// ProcessConfig is one declared process. It is immutable once returned from
// Load/Validate; the Supervisor treats it as shared-immutable across
// restarts of the owning Entry.
type ProcessConfig struct {
	Name            string            `yaml:"name" json:"name"`
	Command         string            `yaml:"command" json:"command"`
	Args            []string          `yaml:"args" json:"args"`
	Cwd             string            `yaml:"cwd" json:"cwd"`
	Env             map[string]string `yaml:"env" json:"env"`
	DependsOn       []string          `yaml:"depends_on" json:"depends_on"`
	AutoRestart     bool              `yaml:"auto_restart" json:"auto_restart"`
	MaxRestarts     int               `yaml:"max_restarts" json:"max_restarts"`
	RestartDelayMS  int               `yaml:"restart_delay_ms" json:"restart_delay_ms"`
	HealthCheck     *HealthCheckConfig `yaml:"health_check" json:"health_check"`
}

// GlobalConfig is the root document: global environment plus the ordered
// list of declared processes.
type GlobalConfig struct {
	GlobalEnv map[string]string `yaml:"global_env" json:"global_env"`
	Processes []ProcessConfig   `yaml:"processes" json:"processes"`
}

// Format selects the wire encoding used to parse a config document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromExtension infers a Format from a config file's extension, as
// required by spec.md 4.A ("format inferred from extension").
func FormatFromExtension(path string) (Format, error) {
	switch {
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		return FormatYAML, nil
	case strings.HasSuffix(path, ".json"):
		return FormatJSON, nil
	default:
		return "", &errs.InvalidConfig{Reason: fmt.Sprintf("cannot infer format from path %q", path)}
	}
}

// LoadFile reads and validates a config document from disk.
func LoadFile(path string) (*GlobalConfig, error) {
	format, err := FormatFromExtension(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Load(data, format)
}

// rawProcessConfig mirrors ProcessConfig but leaves max_restarts as a
// pointer so Load can tell "field omitted" (defaults to 3) apart from
// "field explicitly 0" (spec.md 4.E: uncapped restarts), a distinction a
// plain int can't preserve through decoding.
type rawProcessConfig struct {
	Name           string             `yaml:"name" json:"name"`
	Command        string             `yaml:"command" json:"command"`
	Args           []string           `yaml:"args" json:"args"`
	Cwd            string             `yaml:"cwd" json:"cwd"`
	Env            map[string]string  `yaml:"env" json:"env"`
	DependsOn      []string           `yaml:"depends_on" json:"depends_on"`
	AutoRestart    bool               `yaml:"auto_restart" json:"auto_restart"`
	MaxRestarts    *int               `yaml:"max_restarts" json:"max_restarts"`
	RestartDelayMS int                `yaml:"restart_delay_ms" json:"restart_delay_ms"`
	HealthCheck    *HealthCheckConfig `yaml:"health_check" json:"health_check"`
}

type rawGlobalConfig struct {
	GlobalEnv map[string]string  `yaml:"global_env" json:"global_env"`
	Processes []rawProcessConfig `yaml:"processes" json:"processes"`
}

// defaultMaxRestarts is applied only when max_restarts is absent from the
// manifest entirely; an explicit 0 means uncapped (restart.Policy.Evaluate
// treats MaxRestarts<=0 as no budget).
const defaultMaxRestarts = 3

// Load parses, expands, and validates a config document from bytes.
func Load(data []byte, format Format) (*GlobalConfig, error) {
	var raw rawGlobalConfig
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &raw)
	case FormatJSON:
		err = json.Unmarshal(data, &raw)
	default:
		return nil, &errs.InvalidConfig{Reason: fmt.Sprintf("unknown format %q", format)}
	}
	if err != nil {
		return nil, &errs.InvalidConfig{Reason: fmt.Sprintf("parse error: %v", err)}
	}

	cfg := fromRaw(&raw)
	normalize(cfg)
	if err := expandEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fromRaw copies the decoded document into a GlobalConfig, resolving each
// process's max_restarts pointer into the plain int the rest of the
// package (and restart.Policy) operates on.
func fromRaw(raw *rawGlobalConfig) *GlobalConfig {
	cfg := &GlobalConfig{
		GlobalEnv: raw.GlobalEnv,
		Processes: make([]ProcessConfig, len(raw.Processes)),
	}
	for i, rp := range raw.Processes {
		cfg.Processes[i] = ProcessConfig{
			Name:           rp.Name,
			Command:        rp.Command,
			Args:           rp.Args,
			Cwd:            rp.Cwd,
			Env:            rp.Env,
			DependsOn:      rp.DependsOn,
			AutoRestart:    rp.AutoRestart,
			RestartDelayMS: rp.RestartDelayMS,
			HealthCheck:    rp.HealthCheck,
		}
		if rp.MaxRestarts != nil {
			cfg.Processes[i].MaxRestarts = *rp.MaxRestarts
		} else {
			cfg.Processes[i].MaxRestarts = defaultMaxRestarts
		}
	}
	return cfg
}

// normalize fills in documented defaults for optional fields other than
// max_restarts, whose default is already resolved by fromRaw.
func normalize(cfg *GlobalConfig) {
	if cfg.GlobalEnv == nil {
		cfg.GlobalEnv = map[string]string{}
	}
	for i := range cfg.Processes {
		p := &cfg.Processes[i]
		if p.Env == nil {
			p.Env = map[string]string{}
		}
		if p.RestartDelayMS == 0 {
			p.RestartDelayMS = 1000
		}
	}
}

var envRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} once in each process's env values, resolving
// first against global_env then against the process's own OS environment.
// Unresolved references are a validation error.
func expandEnv(cfg *GlobalConfig) error {
	resolve := func(name string) (string, bool) {
		if v, ok := cfg.GlobalEnv[name]; ok {
			return v, true
		}
		if v, ok := os.LookupEnv(name); ok {
			return v, true
		}
		return "", false
	}

	var missing []string
	for i := range cfg.Processes {
		p := &cfg.Processes[i]
		for k, v := range p.Env {
			var unresolvedErr error
			expanded := envRefRe.ReplaceAllStringFunc(v, func(match string) string {
				name := envRefRe.FindStringSubmatch(match)[1]
				if val, ok := resolve(name); ok {
					return val
				}
				missing = append(missing, fmt.Sprintf("%s.env.%s references ${%s}", p.Name, k, name))
				unresolvedErr = fmt.Errorf("unresolved")
				return match
			})
			_ = unresolvedErr
			p.Env[k] = expanded
		}
	}
	if len(missing) > 0 {
		return &errs.InvalidConfig{Reason: "unresolved env reference(s): " + strings.Join(missing, "; ")}
	}
	return nil
}

// Validate checks the structural and semantic invariants from spec.md 3
// and 4.A: unique non-empty names matching the name pattern, non-empty
// commands, resolvable depends_on targets, non-negative numeric fields,
// and an acyclic dependency graph.
func Validate(cfg *GlobalConfig) error {
	seen := make(map[string]bool, len(cfg.Processes))
	for _, p := range cfg.Processes {
		if p.Name == "" {
			return &errs.InvalidConfig{Reason: "process name must not be empty"}
		}
		if !nameRe.MatchString(p.Name) {
			return &errs.InvalidConfig{Reason: fmt.Sprintf("process name %q does not match [A-Za-z0-9_-]{1,64}", p.Name)}
		}
		if seen[p.Name] {
			return &errs.InvalidConfig{Reason: fmt.Sprintf("duplicate process name %q", p.Name)}
		}
		seen[p.Name] = true

		if p.Command == "" {
			return &errs.InvalidConfig{Reason: fmt.Sprintf("process %q: command must not be empty", p.Name)}
		}
		if p.MaxRestarts < 0 {
			return &errs.InvalidConfig{Reason: fmt.Sprintf("process %q: max_restarts must be >= 0", p.Name)}
		}
		if p.RestartDelayMS < 0 {
			return &errs.InvalidConfig{Reason: fmt.Sprintf("process %q: restart_delay_ms must be >= 0", p.Name)}
		}
		if hc := p.HealthCheck; hc != nil {
			if hc.Command == "" {
				return &errs.InvalidConfig{Reason: fmt.Sprintf("process %q: health_check.command must not be empty", p.Name)}
			}
			if hc.IntervalMS <= 0 {
				return &errs.InvalidConfig{Reason: fmt.Sprintf("process %q: health_check.interval_ms must be > 0", p.Name)}
			}
			if hc.TimeoutMS <= 0 {
				return &errs.InvalidConfig{Reason: fmt.Sprintf("process %q: health_check.timeout_ms must be > 0", p.Name)}
			}
			if hc.Retries < 0 {
				return &errs.InvalidConfig{Reason: fmt.Sprintf("process %q: health_check.retries must be >= 0", p.Name)}
			}
		}
	}

	for _, p := range cfg.Processes {
		for _, dep := range p.DependsOn {
			if !seen[dep] {
				return &errs.InvalidConfig{Reason: fmt.Sprintf("process %q depends on unknown process %q", p.Name, dep)}
			}
		}
	}

	if cycle := findCycle(cfg.Processes); cycle != "" {
		return &errs.InvalidConfig{Reason: fmt.Sprintf("cycle detected in depends_on graph: %s", cycle)}
	}

	return nil
}

// findCycle runs a DFS over the depends_on graph, returning a description
// of the first cycle found, or "" if the graph is acyclic.
func findCycle(procs []ProcessConfig) string {
	deps := make(map[string][]string, len(procs))
	for _, p := range procs {
		deps[p.Name] = p.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(procs))
	var path []string

	var visit func(name string) string
	visit = func(name string) string {
		color[name] = gray
		path = append(path, name)
		for _, dep := range deps[name] {
			switch color[dep] {
			case gray:
				return strings.Join(append(path, dep), " -> ")
			case white:
				if c := visit(dep); c != "" {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		return ""
	}

	for _, p := range procs {
		if color[p.Name] == white {
			if c := visit(p.Name); c != "" {
				return c
			}
		}
	}
	return ""
}

// Equal reports whether two configs are semantically identical after
// normalization, used by the Supervisor to make reload_config idempotent
// (spec.md 8, invariant 8).
func (c *GlobalConfig) Equal(other *GlobalConfig) bool {
	a, _ := json.Marshal(c)
	b, _ := json.Marshal(other)
	return string(a) == string(b)
}

// ResolvedEnv computes the final environment for a process: OS environment
// overridden by global_env overridden by the process's own env, per
// spec.md 4.D ("process_env ⊕ global_env ⊕ entry.env; later keys win").
func (p *ProcessConfig) ResolvedEnv(globalEnv map[string]string) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range globalEnv {
		merged[k] = v
	}
	for k, v := range p.Env {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

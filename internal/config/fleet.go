package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/adred-codev/agentmux/internal/protocol"
)

// FleetAgent is one agent entry in the fleet file.
type FleetAgent struct {
	Name              string            `yaml:"name"`
	Runtime           string            `yaml:"runtime"`
	CLI               string            `yaml:"cli"`
	Model             string            `yaml:"model"`
	Cwd               string            `yaml:"cwd"`
	Args              []string          `yaml:"args"`
	Env               map[string]string `yaml:"env"`
	Channels          []string          `yaml:"channels"`
	Rows              uint16            `yaml:"rows"`
	Cols              uint16            `yaml:"cols"`
	IdleThresholdSecs int               `yaml:"idle_threshold_secs"`
	InitialTask       string            `yaml:"initial_task"`
	Restart           string            `yaml:"restart"`
	MaxRestarts       int               `yaml:"max_restarts"`
}

// Fleet is a set of agents spawned when the broker starts.
type Fleet struct {
	Agents []FleetAgent `yaml:"agents"`
}

// LoadFleet parses and validates a fleet YAML file. Unknown keys are
// rejected so typos fail startup instead of silently spawning a half
// configured agent.
func LoadFleet(path string) (*Fleet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var fleet Fleet
	if err := dec.Decode(&fleet); err != nil {
		if errors.Is(err, io.EOF) {
			return &Fleet{}, nil
		}
		return nil, fmt.Errorf("parse fleet file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(fleet.Agents))
	for i, agent := range fleet.Agents {
		if agent.Name == "" {
			return nil, fmt.Errorf("fleet agent #%d has no name", i+1)
		}
		if seen[agent.Name] {
			return nil, fmt.Errorf("fleet agent %q appears twice", agent.Name)
		}
		seen[agent.Name] = true
		switch agent.Runtime {
		case "", protocol.RuntimePty, protocol.RuntimeHeadless:
		default:
			return nil, fmt.Errorf("fleet agent %q has unknown runtime %q", agent.Name, agent.Runtime)
		}
		switch agent.Restart {
		case "", protocol.RestartNever, protocol.RestartOnFailure, protocol.RestartAlways:
		default:
			return nil, fmt.Errorf("fleet agent %q has unknown restart mode %q", agent.Name, agent.Restart)
		}
	}
	return &fleet, nil
}

// Spec converts a fleet entry to the spawn payload shape. The runtime
// defaults to pty, matching interactive CLIs being the common case.
func (a FleetAgent) Spec() protocol.AgentSpec {
	runtime := a.Runtime
	if runtime == "" {
		runtime = protocol.RuntimePty
	}
	spec := protocol.AgentSpec{
		Name:              a.Name,
		Runtime:           runtime,
		CLI:               a.CLI,
		Model:             a.Model,
		Cwd:               a.Cwd,
		Args:              a.Args,
		Env:               a.Env,
		Channels:          a.Channels,
		Rows:              a.Rows,
		Cols:              a.Cols,
		IdleThresholdSecs: a.IdleThresholdSecs,
	}
	if a.Restart != "" && a.Restart != protocol.RestartNever {
		spec.RestartPolicy = &protocol.RestartPolicy{Mode: a.Restart, MaxRestarts: a.MaxRestarts}
	}
	return spec
}

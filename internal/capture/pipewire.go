package capture

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// PipeWire inspects the PipeWire/JACK graph through pw-link.
type PipeWire struct {
	// listPorts is swapped out in tests.
	listPorts func() ([]string, error)
}

// NewPipeWire creates a new PipeWire instance
func NewPipeWire() *PipeWire {
	return &PipeWire{listPorts: listPortsWithPwLink}
}

// ListPorts returns all available ports
func (pw *PipeWire) ListPorts() ([]string, error) {
	return pw.listPorts()
}

func listPortsWithPwLink() ([]string, error) {
	cmd := exec.Command("pw-link", "-io")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePortList(string(output)), nil
}

func parsePortList(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports
}

// ListNodes returns the distinct node names owning the listed ports.
func (pw *PipeWire) ListNodes() ([]string, error) {
	ports, err := pw.ListPorts()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var nodes []string
	for _, port := range ports {
		node := nodeOf(port)
		if node == "" || seen[node] {
			continue
		}
		seen[node] = true
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// nodeOf strips the ":port" suffix of a port name.
func nodeOf(port string) string {
	i := strings.LastIndex(port, ":")
	if i <= 0 {
		return ""
	}
	return port[:i]
}

// ValidateTarget checks that a capture target resolves to exactly one
// node. An empty target means the default node and always passes.
func (pw *PipeWire) ValidateTarget(target string) error {
	if target == "" {
		return nil
	}

	ports, err := pw.ListPorts()
	if err != nil {
		slog.Debug("Could not list ports, skipping target validation", "target", target, "error", err)
		return nil
	}

	return validateTargetInList(target, ports)
}

func validateTargetInList(target string, ports []string) error {
	var matches []string
	for _, port := range ports {
		if nodeOf(port) == target {
			matches = append(matches, port)
		}
	}
	if len(matches) == 0 {
		return fmt.Errorf("%w: target not found: %s", ErrUnavailable, target)
	}

	// The same port name listed twice means two nodes share the target name.
	if dups := findPortDuplicatesInList(matches[0], ports); len(dups) > 1 {
		return fmt.Errorf("%w: duplicate sources detected for '%s': %v. Please close conflicting applications", ErrUnavailable, target, dups)
	}
	return nil
}

// findPortDuplicatesInList finds all ports with exactly the same name
func findPortDuplicatesInList(portName string, allPorts []string) []string {
	var duplicates []string
	for _, port := range allPorts {
		if port == portName {
			duplicates = append(duplicates, port)
		}
	}
	return duplicates
}

package gpu

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"comfyrun/internal/services"
)

// SMIArgs is the nvidia-smi query used by SMISource.
var SMIArgs = []string{"--query-gpu=name,memory.used", "--format=csv,noheader,nounits"}

// SMISource shells out to nvidia-smi.
type SMISource struct {
	exec    services.Executor
	binary  string
	timeout time.Duration
}

// NewSMISource builds a source running binary through exec.
func NewSMISource(exec services.Executor, binary string, timeout time.Duration) *SMISource {
	if exec == nil {
		exec = services.CommandExecutor{}
	}
	if strings.TrimSpace(binary) == "" {
		binary = "nvidia-smi"
	}
	return &SMISource{exec: exec, binary: binary, timeout: timeout}
}

func (s *SMISource) Name() string { return s.binary }

// Sample reads the first GPU line.
func (s *SMISource) Sample(ctx context.Context) (Reading, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	var lines []string
	err := s.exec.Run(ctx, s.binary, SMIArgs, func(line string) {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	})
	if err != nil {
		return Reading{}, err
	}
	for _, line := range lines {
		reading, perr := ParseSMILine(line)
		if perr == nil {
			return reading, nil
		}
		err = perr
	}
	if err == nil {
		err = errors.New("no output")
	}
	return Reading{}, err
}

// ParseSMILine parses "NVIDIA GeForce RTX 4090, 10240".
func ParseSMILine(line string) (Reading, error) {
	idx := strings.LastIndex(line, ",")
	if idx < 0 {
		return Reading{}, fmt.Errorf("unexpected nvidia-smi output %q", line)
	}
	name := strings.TrimSpace(line[:idx])
	used, err := strconv.ParseFloat(strings.TrimSpace(line[idx+1:]), 64)
	if err != nil {
		return Reading{}, fmt.Errorf("parse memory.used in %q: %w", line, err)
	}
	return Reading{Name: name, VRAMUsedMB: used}, nil
}

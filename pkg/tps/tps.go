package tps

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/mqic/communicator/pkg/faults"
	"github.com/mqic/communicator/pkg/types"
)

// FileName is the parameter file name expected by the simulation
const FileName = "moqui_tps.in"

// Params is the per-case context needed to build the parameter file
type Params struct {
	CaseName    string
	GpuGroup    string
	DicomDir    string
	LogFilePath string
	ParentDir   string
	OutputDir   string
}

// requiredKeys is the minimum contract of the generated file
var requiredKeys = []string{"GPUID", "DicomDir", "logFilePath", "OutputDir", "BeamNumbers"}

var gpuGroupRe = regexp.MustCompile(`^gpu[_-]?(\d+)$`)

// GPUIDFromGroup maps a pueue group name to its device index. Only names
// of the form gpu_<N>, gpu-<N>, or gpu<N> are recognized.
func GPUIDFromGroup(group string) (int, bool) {
	m := gpuGroupRe.FindStringSubmatch(strings.ToLower(group))
	if m == nil {
		return 0, false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return id, true
}

// Generate builds the parameter file content. Plan info, when present,
// overrides the default beam count and gantry angle.
func Generate(p Params, plan *types.PlanInfo, defaults map[string]string) ([]byte, error) {
	if p.CaseName == "" {
		return nil, faults.Newf("tps.generate", faults.Configuration, "case name is empty")
	}
	gpuID, ok := GPUIDFromGroup(p.GpuGroup)
	if !ok {
		return nil, faults.Newf("tps.generate", faults.Configuration,
			"cannot derive GPUID from group %q", p.GpuGroup)
	}

	beamCount := 1
	gantry := 0.0
	if plan != nil {
		if plan.BeamCount > 0 {
			beamCount = plan.BeamCount
		}
		gantry = plan.GantryAngle
	}

	computed := []struct{ key, value string }{
		{"GPUID", strconv.Itoa(gpuID)},
		{"DicomDir", slashPath(p.DicomDir)},
		{"logFilePath", slashPath(p.LogFilePath)},
		{"ParentDir", slashPath(p.ParentDir)},
		{"OutputDir", slashPath(p.OutputDir)},
		{"BeamNumbers", strconv.Itoa(beamCount)},
		{"GantryNum", strconv.FormatFloat(gantry, 'f', -1, 64)},
	}

	var buf bytes.Buffer
	seen := make(map[string]bool, len(computed))
	for _, kv := range computed {
		fmt.Fprintf(&buf, "%s %s\n", kv.key, kv.value)
		seen[kv.key] = true
	}

	extra := make([]string, 0, len(defaults))
	for key := range defaults {
		if !seen[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		fmt.Fprintf(&buf, "%s %s\n", key, defaults[key])
	}

	content := buf.Bytes()
	if err := Validate(content); err != nil {
		return nil, err
	}
	return content, nil
}

// Validate checks that the content carries every required key with a value
func Validate(content []byte) error {
	present := make(map[string]bool)
	for _, line := range strings.Split(string(content), "\n") {
		fields := strings.SplitN(strings.TrimSpace(line), " ", 2)
		if len(fields) == 2 && fields[1] != "" {
			present[fields[0]] = true
		}
	}
	for _, key := range requiredKeys {
		if !present[key] {
			return faults.Newf("tps.validate", faults.Configuration,
				"missing required key %s", key)
		}
	}
	return nil
}

func slashPath(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"conveyor.sh/core/log"
)

// severity ranks for threshold comparison
var severityRank = map[string]int{
	"UNKNOWN":  0,
	"LOW":      1,
	"MEDIUM":   2,
	"HIGH":     3,
	"CRITICAL": 4,
}

// Scan runs a vulnerability scanner binary (trivy compatible) against
// an image reference and applies a severity threshold policy: any
// finding at or above the threshold fails the stage.
type Scan struct {
	// Binary is the scanner executable. Defaults to "trivy".
	Binary string
	// Threshold is the minimum severity that fails the pipeline,
	// e.g. "HIGH". Empty means findings never fail the stage.
	Threshold string
}

type scanReport struct {
	Results []scanResult `json:"Results"`
}

type scanResult struct {
	Vulnerabilities []scanVuln `json:"Vulnerabilities"`
}

type scanVuln struct {
	VulnerabilityID string `json:"VulnerabilityID"`
	Severity        string `json:"Severity"`
}

func (s *Scan) Run(ctx context.Context, params Params) (Result, error) {
	l := log.FromContext(ctx)

	image, err := params.Require("image")
	if err != nil {
		return Result{}, err
	}

	threshold := params.Get("threshold")
	if threshold == "" {
		threshold = s.Threshold
	}

	binary := s.Binary
	if binary == "" {
		binary = "trivy"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, "image", "--format", "json", "--quiet", image)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("running scanner: %w: %s", err, stderr.String())
	}

	var report scanReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		return Result{}, fmt.Errorf("decoding scan report: %w", err)
	}

	total, violations := evaluateFindings(report, threshold)
	l.Info("scanned image", "image", image, "findings", total, "violations", violations)

	res := Result{
		OK: violations == 0,
		Output: map[string]string{
			"image":      image,
			"findings":   strconv.Itoa(total),
			"violations": strconv.Itoa(violations),
		},
	}
	if violations > 0 {
		res.Detail = fmt.Sprintf("%d findings at or above %s", violations, threshold)
	}
	return res, nil
}

// evaluateFindings counts findings overall and those meeting the
// severity threshold. An empty threshold disables the policy.
func evaluateFindings(report scanReport, threshold string) (total, violations int) {
	min, gated := severityRank[threshold]
	gated = gated && threshold != ""
	for _, r := range report.Results {
		for _, v := range r.Vulnerabilities {
			total++
			if gated && severityRank[v.Severity] >= min {
				violations++
			}
		}
	}
	return total, violations
}

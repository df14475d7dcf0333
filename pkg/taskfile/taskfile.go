// Package taskfile parses the task-definition grammar from an io.Reader:
// one task per line of the form
//
//	T=<period_ms>,D=<deadline_ms>,pr=<priority>,[(R<id>,avg=<n>,dev=<n>)...]
//
// with '#'-comments and blank lines ignored.
package taskfile

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"schedtrace/pkg/options"
	"schedtrace/pkg/task"
)

// ErrMalformedLine is returned (and logged, never fatal) for a task
// definition line that does not match the grammar.
var ErrMalformedLine = fmt.Errorf("taskfile: malformed task definition line")

var (
	headerRe  = regexp.MustCompile(`^T=(\d+),D=(\d+),pr=(\d+),\[(.*)\]$`)
	sectionRe = regexp.MustCompile(`\(R(\d+),avg=(\d+),dev=(\d+)\)`)
)

// Parse reads task specs from r, assigning sequential ids starting at 0 in
// line order. A malformed line is logged as a warning and skipped; reaching
// limits.MaxTasksetSize stops reading the rest of the input with a single
// warning.
func Parse(r io.Reader, limits options.Limits, logger *zap.Logger) ([]task.Spec, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var specs []task.Spec

	nextID := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if len(specs) >= limits.MaxTasksetSize {
			logger.Warn("maximum number of tasks reached, some may have been skipped",
				zap.Int("limit", limits.MaxTasksetSize))

			break
		}

		spec, err := parseLine(line, nextID, limits)
		if err != nil {
			logger.Warn("task parsing was unsuccessful, skipping task definition",
				zap.String("line", line), zap.Error(err))

			continue
		}

		specs = append(specs, spec)
		nextID++
	}

	if err := scanner.Err(); err != nil {
		return specs, fmt.Errorf("taskfile: read error: %w", err)
	}

	return specs, nil
}

func parseLine(line string, id int, limits options.Limits) (task.Spec, error) {
	m := headerRe.FindStringSubmatch(line)
	if m == nil {
		return task.Spec{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}

	period, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return task.Spec{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}

	deadline, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return task.Spec{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}

	priority, err := strconv.ParseUint(m[3], 10, 64)
	if err != nil {
		return task.Spec{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}

	matches := sectionRe.FindAllStringSubmatch(m[4], -1)
	if len(matches) > limits.MaxTaskSections {
		matches = matches[:limits.MaxTaskSections]
	}

	sections := make([]task.Section, 0, len(matches))

	for _, sm := range matches {
		resID, err := strconv.Atoi(sm[1])
		if err != nil {
			return task.Spec{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
		}

		avg, err := strconv.ParseUint(sm[2], 10, 64)
		if err != nil {
			return task.Spec{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
		}

		dev, err := strconv.ParseUint(sm[3], 10, 64)
		if err != nil {
			return task.Spec{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
		}

		sections = append(sections, task.Section{ResourceID: resID, WorkAvg: avg, WorkDev: dev})
	}

	return task.Spec{
		ID:         id,
		PeriodMS:   period,
		DeadlineMS: deadline,
		Priority:   int(priority),
		Sections:   sections,
	}, nil
}

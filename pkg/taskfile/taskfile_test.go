package taskfile

import (
	"strings"
	"testing"

	"schedtrace/pkg/options"
)

func TestParseValidTaskSet(t *testing.T) {
	t.Parallel()

	input := `
# a comment line, and a blank line above
T=100,D=100,pr=10,[(R1,avg=500,dev=50)]
T=200,D=150,pr=5,[(R1,avg=100,dev=0)(R2,avg=900,dev=10)]
`

	specs, err := Parse(strings.NewReader(input), options.DefaultLimits(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}

	if specs[0].ID != 0 || specs[1].ID != 1 {
		t.Fatalf("expected sequential ids 0,1, got %d,%d", specs[0].ID, specs[1].ID)
	}

	first := specs[0]
	if first.PeriodMS != 100 || first.DeadlineMS != 100 || first.Priority != 10 {
		t.Fatalf("unexpected first spec: %+v", first)
	}

	if len(first.Sections) != 1 || first.Sections[0].ResourceID != 1 ||
		first.Sections[0].WorkAvg != 500 || first.Sections[0].WorkDev != 50 {
		t.Fatalf("unexpected first sections: %+v", first.Sections)
	}

	second := specs[1]
	if len(second.Sections) != 2 {
		t.Fatalf("expected 2 sections on second spec, got %d", len(second.Sections))
	}

	if second.Sections[1].ResourceID != 2 || second.Sections[1].WorkAvg != 900 || second.Sections[1].WorkDev != 10 {
		t.Fatalf("unexpected second section: %+v", second.Sections[1])
	}
}

func TestParseTaskWithNoSections(t *testing.T) {
	t.Parallel()

	specs, err := Parse(strings.NewReader("T=50,D=50,pr=1,[]"), options.DefaultLimits(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(specs) != 1 || len(specs[0].Sections) != 0 {
		t.Fatalf("expected one section-less spec, got %+v", specs)
	}
}

func TestParseSkipsMalformedLines(t *testing.T) {
	t.Parallel()

	input := `T=100,D=100,pr=10,[(R1,avg=500,dev=50)]
not a valid line at all
T=200,D=200,pr=5,[]
`

	specs, err := Parse(strings.NewReader(input), options.DefaultLimits(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(specs) != 2 {
		t.Fatalf("expected malformed line to be skipped, got %d specs", len(specs))
	}

	if specs[0].ID != 0 || specs[1].ID != 1 {
		t.Fatalf("expected ids to stay sequential across the skipped line, got %d,%d", specs[0].ID, specs[1].ID)
	}
}

func TestParseStopsAtTasksetSizeLimit(t *testing.T) {
	t.Parallel()

	limits := options.DefaultLimits()
	limits.MaxTasksetSize = 2

	input := "T=1,D=1,pr=1,[]\nT=2,D=2,pr=1,[]\nT=3,D=3,pr=1,[]\n"

	specs, err := Parse(strings.NewReader(input), limits, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(specs) != 2 {
		t.Fatalf("expected parse to stop at the taskset size limit, got %d specs", len(specs))
	}
}

func TestParseTruncatesExcessSections(t *testing.T) {
	t.Parallel()

	limits := options.DefaultLimits()
	limits.MaxTaskSections = 2

	input := "T=1,D=1,pr=1,[(R1,avg=1,dev=1)(R2,avg=2,dev=2)(R3,avg=3,dev=3)]\n"

	specs, err := Parse(strings.NewReader(input), limits, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(specs) != 1 || len(specs[0].Sections) != 2 {
		t.Fatalf("expected sections truncated to 2, got %+v", specs)
	}
}

func TestParseEmptyInputYieldsNoSpecs(t *testing.T) {
	t.Parallel()

	specs, err := Parse(strings.NewReader("\n\n# only comments\n"), options.DefaultLimits(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(specs) != 0 {
		t.Fatalf("expected no specs, got %d", len(specs))
	}
}

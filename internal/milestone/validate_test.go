package milestone_test

import (
	"errors"
	"reflect"
	"testing"

	"milemark/internal/milestone"
)

func TestRegistryShape(t *testing.T) {
	r := milestone.DefaultRegistry()
	want := []int{10, 20, 25, 30, 40, 50, 60, 70, 75, 80, 90, 100}
	if got := r.Values(); !reflect.DeepEqual(got, want) {
		t.Fatalf("values: got %v want %v", got, want)
	}
	if r.Initial() != 10 {
		t.Fatalf("initial: got %d", r.Initial())
	}
	if r.Terminal() != 100 {
		t.Fatalf("terminal: got %d", r.Terminal())
	}
	if r.Penultimate() != 90 {
		t.Fatalf("penultimate: got %d", r.Penultimate())
	}
	if r.Label(25) != "Kickoff held" {
		t.Fatalf("label 25: got %q", r.Label(25))
	}
	if !r.IsValid(75) || r.IsValid(45) {
		t.Fatalf("membership checks failed")
	}
}

func TestAllowedNext(t *testing.T) {
	r := milestone.DefaultRegistry()
	if got := r.AllowedNext(80); !reflect.DeepEqual(got, []int{90}) {
		t.Fatalf("next of 80: got %v", got)
	}
	if got := r.AllowedNext(90); !reflect.DeepEqual(got, []int{100}) {
		t.Fatalf("next of 90: got %v", got)
	}
	if got := r.AllowedNext(100); len(got) != 0 {
		t.Fatalf("terminal should have no transitions, got %v", got)
	}
	next, ok := r.NextRecommended(10)
	if !ok || next != 20 {
		t.Fatalf("recommended after 10: got %d ok=%v", next, ok)
	}
	if _, ok := r.NextRecommended(100); ok {
		t.Fatalf("terminal should have no recommendation")
	}
}

func TestValidate(t *testing.T) {
	r := milestone.DefaultRegistry()
	cases := []struct {
		name      string
		current   int
		requested int
		code      string
	}{
		{"forward step", 10, 20, ""},
		{"forward skip", 10, 25, ""},
		{"long skip", 10, 90, ""},
		{"same value", 50, 50, ""},
		{"terminal from penultimate", 90, 100, ""},
		{"regression", 25, 20, milestone.CodeRegression},
		{"regression from terminal", 100, 90, milestone.CodeRegression},
		{"unknown value", 30, 45, milestone.CodeInvalidValue},
		{"negative value", 30, -1, milestone.CodeInvalidValue},
		{"terminal skipping final stage", 80, 100, milestone.CodeFinalStageGate},
		{"terminal from start", 10, 100, milestone.CodeFinalStageGate},
		{"terminal repeat", 100, 100, milestone.CodeFinalStageGate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Validate(tc.current, tc.requested)
			if tc.code == "" {
				if err != nil {
					t.Fatalf("expected pass, got %v", err)
				}
				return
			}
			var ve milestone.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Code != tc.code {
				t.Fatalf("code: got %s want %s", ve.Code, tc.code)
			}
		})
	}
}

func TestValidateRejectionDetails(t *testing.T) {
	r := milestone.DefaultRegistry()

	err := r.Validate(80, 100)
	var ve milestone.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !reflect.DeepEqual(ve.Allowed, []int{90}) {
		t.Fatalf("gate allowed: got %v want [90]", ve.Allowed)
	}

	err = r.Validate(75, 25)
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !reflect.DeepEqual(ve.Allowed, []int{80, 90, 100}) {
		t.Fatalf("regression allowed: got %v", ve.Allowed)
	}
}

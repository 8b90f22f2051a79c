package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rendis/orchestra/internal/diagram"
	"github.com/rendis/orchestra/internal/expressions"
	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/internal/validation"
	"github.com/rendis/orchestra/pkg/schema"
)

// newValidator builds a validator that knows the builtin step types.
func newValidator() (*validation.PlanValidator, error) {
	reg := steps.NewRegistry()
	if err := steps.RegisterBuiltins(reg); err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return validation.New(reg, cel)
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return schema.NewError(schema.ErrCodeValidation, "usage: orchestra validate <plan-file>")
	}

	v, err := newValidator()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	plan, err := v.LoadPlan(data)
	if err != nil {
		return err
	}
	return reportValidation(os.Stdout, plan, v.Validate(plan))
}

// reportValidation prints warnings and returns an error when the plan has
// errors. LoadPlan already rejects invalid plans, so errors only show up for
// plans decoded some other way.
func reportValidation(w io.Writer, plan *schema.PlanDefinition, result *schema.ValidationResult) error {
	for _, issue := range result.Warnings {
		fmt.Fprintf(w, "warning %s %s: %s\n", issue.Code, issue.Path, issue.Message)
	}
	for _, issue := range result.Errors {
		fmt.Fprintf(w, "error %s %s: %s\n", issue.Code, issue.Path, issue.Message)
	}
	if !result.Valid() {
		return result.ToError()
	}
	fmt.Fprintf(w, "plan %s is valid (%d nodes)\n", plan.PlanID, len(plan.Nodes))
	return nil
}

func runDiagram(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("diagram", flag.ExitOnError)
	format := fs.String("format", "ascii", "output format: ascii, mermaid, png, svg")
	out := fs.String("o", "", "output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return schema.NewError(schema.ErrCodeValidation, "usage: orchestra diagram [-format ascii] [-o file] <plan-file>")
	}

	v, err := newValidator()
	if err != nil {
		return err
	}
	plan, err := v.LoadPlanFile(fs.Arg(0))
	if err != nil {
		return err
	}
	model, err := diagram.Build(plan, nil)
	if err != nil {
		return err
	}

	var rendered []byte
	switch *format {
	case "ascii":
		rendered = []byte(diagram.RenderASCII(model))
	case "mermaid":
		rendered = []byte(diagram.RenderMermaid(model))
	default:
		rendered, err = diagram.RenderImage(ctx, model, diagram.ImageFormat(*format))
		if err != nil {
			return err
		}
	}

	if *out == "" {
		_, err = os.Stdout.Write(rendered)
		return err
	}
	return os.WriteFile(*out, rendered, 0o644)
}

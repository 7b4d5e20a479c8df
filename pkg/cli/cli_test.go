package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/pricing"
)

func TestPrinter_Table(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatText)
	err := p.Table([]string{"ID", "NAME"}, [][]string{{"a1", "support-bot"}, {"a22", "triage"}}, nil)
	if err != nil {
		t.Fatalf("Table() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	// Columns are aligned.
	if strings.Index(lines[1], "support-bot") != strings.Index(lines[0], "NAME") {
		t.Errorf("columns not aligned:\n%s", buf.String())
	}
}

func TestPrinter_JSON(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatJSON)
	p.Message("not printed")
	if err := p.Table([]string{"X"}, [][]string{{"1"}}, []int{1, 2}); err != nil {
		t.Fatalf("Table() error = %v", err)
	}

	var got []int
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if len(got) != 2 {
		t.Errorf("got %v", got)
	}
}

func TestPrinter_Object(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatText)
	v := struct {
		Name     string
		Limit    int64
		ActiveID *string
		hidden   int
	}{Name: "bot", Limit: 500}
	if err := p.Object(&v); err != nil {
		t.Fatalf("Object() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{"Name:", "bot", "Limit:", "500", "ActiveID:", "-"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("unexported field printed:\n%s", out)
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(JSON) = %v, %v", f, err)
	}
	if _, err := ParseFormat("yaml"); err == nil {
		t.Error("expected error for yaml")
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "12.50", want: 1250},
		{in: "12.5", want: 1250},
		{in: "12", want: 1200},
		{in: "0.07", want: 7},
		{in: "1250c", want: 1250},
		{in: "0c", want: 0},
		{in: "1.234", wantErr: true},
		{in: "-5", wantErr: true},
		{in: "-5c", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
		{in: "92233720368547758.08", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAmount(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseAmount(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatSubunits(t *testing.T) {
	for in, want := range map[int64]string{0: "0.00", 7: "0.07", 1250: "12.50", -305: "-3.05"} {
		if got := FormatSubunits(in); got != want {
			t.Errorf("FormatSubunits(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"config", NewConfigError("ledger.backend", "unknown"), ExitConfig},
		{"agent", fmt.Errorf("get: %w", ledger.ErrAgentNotFound), ExitNotFound},
		{"budget", NewCommandError("budget set", ledger.ErrInsufficientBudget), ExitBudget},
		{"pricing", &pricing.UnavailableError{Source: "file", Err: errors.New("missing")}, ExitPricing},
		{"signature", &pricing.UnavailableError{Source: "remote", Err: pricing.ErrSignatureInvalid}, ExitVerification},
		{"other", errors.New("boom"), ExitError},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("%s: ExitCode() = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, stop := SetupSignalHandler()
	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before any signal")
	default:
	}
	stop()
	<-ctx.Done()
}

package ui

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/muesli/termenv"
)

func TestRender_Ascii(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	tests := []struct {
		name   string
		render func(string) string
	}{
		{"pass", RenderPass},
		{"warn", RenderWarn},
		{"fail", RenderFail},
		{"accent", RenderAccent},
		{"muted", RenderMuted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.render("ok"); got != "ok" {
				t.Errorf("render = %q, want plain text", got)
			}
		})
	}
}

func TestConfirm(t *testing.T) {
	ok, err := Confirm("Overwrite?", "", true)
	if err != nil || !ok {
		t.Errorf("Confirm(assumeYes) = %v, %v", ok, err)
	}

	// go test runs with stdin detached from a terminal.
	if IsTerminal(os.Stdin) {
		t.Skip("stdin is a terminal")
	}
	if _, err := Confirm("Overwrite?", "", false); !errors.Is(err, ErrNotInteractive) {
		t.Errorf("Confirm() error = %v, want ErrNotInteractive", err)
	}
}

func TestNewTable(t *testing.T) {
	var buf bytes.Buffer
	tw := NewTable(&buf)
	tw.AppendHeader(table.Row{"Key", "Realm"})
	tw.AppendRow(table.Row{"us/area52", "Area 52"})
	tw.Render()

	out := buf.String()
	if !strings.Contains(out, "us/area52") || !strings.Contains(out, "Area 52") {
		t.Errorf("table output = %q", out)
	}
}

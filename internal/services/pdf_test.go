package services

import (
	"reflect"
	"testing"
)

func TestExtractTables(t *testing.T) {
	t.Run("PipeSeparatedRows", func(t *testing.T) {
		text := "Intro paragraph\nName | Qty | Price\nWidget | 2 | 9.99\nGadget | 1 | 4.50\nClosing note"
		got := ExtractTables(text)
		want := [][]string{
			{"Name", "Qty", "Price"},
			{"Widget", "2", "9.99"},
			{"Gadget", "1", "4.50"},
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("SpaceAlignedColumns", func(t *testing.T) {
		text := "Item Code  Description  Total\nA-100      First item   12.00\nB-200      Second item  30.00"
		got := ExtractTables(text)
		if len(got) != 3 {
			t.Fatalf("expected 3 rows, got %d: %v", len(got), got)
		}
		for i, row := range got {
			if len(row) != 3 {
				t.Errorf("row %d: expected 3 cells, got %d: %v", i, len(row), row)
			}
		}
	})

	t.Run("SingleRowIsNotATable", func(t *testing.T) {
		text := "heading\nonly | one | row\nplain prose continues here"
		if got := ExtractTables(text); got != nil {
			t.Errorf("expected no tables, got %v", got)
		}
	})

	t.Run("MismatchedCellCountsBreakTheTable", func(t *testing.T) {
		text := "a | b | c\nd | e"
		if got := ExtractTables(text); got != nil {
			t.Errorf("expected no tables for mismatched rows, got %v", got)
		}
	})

	t.Run("PlainProse", func(t *testing.T) {
		text := "This is an ordinary paragraph.\nIt has no tabular structure at all."
		if got := ExtractTables(text); got != nil {
			t.Errorf("expected no tables, got %v", got)
		}
	})
}

func TestSplitRow(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"Pipes", "a | b | c", []string{"a", "b", "c"}},
		{"LeadingTrailingPipes", "| a | b |", []string{"a", "b"}},
		{"SpaceRuns", "first col  second col  third", []string{"first col", "second col", "third"}},
		{"SingleSpacesStayTogether", "just a sentence", nil},
		{"Empty", "   ", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := splitRow(tc.in)
			if tc.want == nil {
				if len(got) >= 2 {
					t.Errorf("expected no row split for %q, got %v", tc.in, got)
				}
				return
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

/*
 * RuntimeScope
 * Copyright (C) 2025  RuntimeScope, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package asciitable formats tabular values for text terminals.
package asciitable

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"
)

// Column is one column of a table.
type Column struct {
	// Title is the header cell.
	Title string
	// MaxCellLength truncates longer cells with an ellipsis. Zero
	// means unlimited.
	MaxCellLength int

	width int
}

// Table accumulates rows and renders them with aligned columns.
type Table struct {
	columns []Column
	rows    [][]string
}

// MakeHeadlessTable creates a table with the given number of columns and
// no header row.
func MakeHeadlessTable(columnCount int) Table {
	return Table{
		columns: make([]Column, columnCount),
	}
}

// MakeTable creates a table with the given column titles, optionally
// pre-filled with rows.
func MakeTable(headers []string, rows ...[]string) Table {
	t := MakeHeadlessTable(len(headers))
	for i := range t.columns {
		t.columns[i].Title = headers[i]
		t.columns[i].width = len(headers[i])
	}
	for _, row := range rows {
		t.AddRow(row)
	}
	return t
}

// MakeTableWithTruncatedColumn creates a table sized to the terminal,
// giving the named column whatever width the others leave over. Used for
// free-form columns like app names and messages.
func MakeTableWithTruncatedColumn(columnOrder []string, rows [][]string, truncatedColumn string) Table {
	width, _, err := term.GetSize(int(os.Stdin.Fd()))
	if err != nil || width == 0 {
		width = 80
	}
	const truncatedColMinSize = 16
	maxColWidth := (width - truncatedColMinSize) / (len(columnOrder) - 1)

	t := MakeTable([]string{})
	totalLen := 0
	columns := make([]Column, 0, len(columnOrder))
	for colIndex, colName := range columnOrder {
		column := Column{
			Title:         colName,
			MaxCellLength: len(colName),
		}
		if colName == truncatedColumn {
			// Sized below, once the fixed columns are known.
			columns = append(columns, column)
			continue
		}
		for _, row := range rows {
			column.MaxCellLength = max(column.MaxCellLength, len(row[colIndex]))
		}
		if column.MaxCellLength > maxColWidth {
			column.MaxCellLength = maxColWidth
			totalLen += column.MaxCellLength + 4 // "...<space>"
		} else {
			totalLen += column.MaxCellLength + 1 // column separator
		}
		columns = append(columns, column)
	}
	for _, column := range columns {
		if column.Title == truncatedColumn {
			column.MaxCellLength = max(width-totalLen-len("... "), 0)
		}
		t.AddColumn(column)
	}
	for _, row := range rows {
		t.AddRow(row)
	}
	return t
}

// AddColumn appends a column.
func (t *Table) AddColumn(c Column) {
	c.width = len(c.Title)
	t.columns = append(t.columns, c)
}

// AddRow appends a row. Cells beyond the column count are dropped.
func (t *Table) AddRow(row []string) {
	limit := min(len(row), len(t.columns))
	for i := range limit {
		t.columns[i].width = max(len(t.truncateCell(i, row[i])), t.columns[i].width)
	}
	t.rows = append(t.rows, row[:limit])
}

// truncateCell shortens the cell to the column's MaxCellLength, marking
// the cut with an ellipsis.
func (t *Table) truncateCell(colIndex int, cell string) string {
	maxCellLength := t.columns[colIndex].MaxCellLength
	if maxCellLength == 0 || len(cell) <= maxCellLength {
		return cell
	}
	return fmt.Sprintf("%v...", cell[:maxCellLength])
}

// IsHeadless reports whether no column has a title.
func (t *Table) IsHeadless() bool {
	for i := range t.columns {
		if len(t.columns[i].Title) > 0 {
			return false
		}
	}
	return true
}

// SortRowsBy stable-sorts the rows with the given column indices as the
// sorting key. Indices out of range are ignored.
func (t *Table) SortRowsBy(colIdxKey ...int) {
	slices.SortStableFunc(t.rows, func(a, b []string) int {
		for _, col := range colIdxKey {
			if col >= min(len(a), len(b)) {
				continue
			}
			if c := strings.Compare(a[col], b[col]); c != 0 {
				return c
			}
		}
		return 0
	})
}

// AsBuffer renders the table.
func (t *Table) AsBuffer() *bytes.Buffer {
	var buffer bytes.Buffer
	writer := tabwriter.NewWriter(&buffer, 5, 0, 1, ' ', 0)
	template := strings.Repeat("%v\t", len(t.columns))

	if !t.IsHeadless() {
		var titles []any
		var separators []any
		for _, col := range t.columns {
			titles = append(titles, col.Title)
			separators = append(separators, strings.Repeat("-", col.width))
		}
		fmt.Fprintf(writer, template+"\n", titles...)
		fmt.Fprintf(writer, template+"\n", separators...)
	}
	for _, row := range t.rows {
		var cells []any
		for i := range row {
			cells = append(cells, t.truncateCell(i, row[i]))
		}
		fmt.Fprintf(writer, template+"\n", cells...)
	}
	writer.Flush()
	return &buffer
}

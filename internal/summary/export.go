package summary

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	csvFlushEvery = 200
	csvBufferSize = 32 * 1024
)

var amountPrinter = message.NewPrinter(language.English)

type csvStreamer struct {
	buf          *bufio.Writer
	csv          *csv.Writer
	flushEvery   int
	pendingLines int
}

func newCSVStreamer(w io.Writer) *csvStreamer {
	buf := bufio.NewWriterSize(w, csvBufferSize)
	writer := csv.NewWriter(buf)
	writer.UseCRLF = true
	return &csvStreamer{buf: buf, csv: writer, flushEvery: csvFlushEvery}
}

func (s *csvStreamer) writeComment(line string) error {
	if s == nil || s.buf == nil {
		return fmt.Errorf("csv streamer not initialised")
	}
	if !strings.HasSuffix(line, "\r\n") {
		line = strings.TrimSuffix(line, "\n")
		line += "\r\n"
	}
	_, err := s.buf.WriteString(line)
	return err
}

func (s *csvStreamer) writeRow(row []string) error {
	if s == nil || s.csv == nil {
		return fmt.Errorf("csv streamer not initialised")
	}
	if err := s.csv.Write(row); err != nil {
		return err
	}
	s.pendingLines++
	if s.flushEvery > 0 && s.pendingLines >= s.flushEvery {
		return s.Flush()
	}
	return nil
}

func (s *csvStreamer) Flush() error {
	if s == nil || s.csv == nil || s.buf == nil {
		return fmt.Errorf("csv streamer not initialised")
	}
	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		return err
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	s.pendingLines = 0
	return nil
}

func (s *csvStreamer) Close() error {
	return s.Flush()
}

// WriteCSV renders the summary for download.
func WriteCSV(w io.Writer, summary *PeriodSummary) error {
	streamer := newCSVStreamer(w)
	if err := streamer.writeComment("# Report: Period Summary"); err != nil {
		return err
	}
	if err := streamer.writeComment(fmt.Sprintf("# Company: %d | Period: %s | Generated: %s",
		summary.CompanyID, summary.Period, summary.GeneratedAt.Format("2006-01-02 15:04:05"))); err != nil {
		return err
	}

	if err := streamer.writeRow([]string{"Section", "Metric", "Value"}); err != nil {
		return err
	}
	totalRows := [][]string{
		{"Totals", "Billed", formatAmount(summary.TotalBilled)},
		{"Totals", "Allocated", formatAmount(summary.TotalAllocated)},
		{"Totals", "Unpaid", formatAmount(summary.TotalUnpaid)},
		{"Totals", "Expenses", formatAmount(summary.ExpenseTotal)},
		{"Totals", "Bills", strconv.Itoa(summary.BillCount)},
		{"Status", "Unregistered", strconv.Itoa(summary.StatusCounts.Unregistered)},
		{"Status", "Unpaid", strconv.Itoa(summary.StatusCounts.Unpaid)},
		{"Status", "Partial", strconv.Itoa(summary.StatusCounts.Partial)},
		{"Status", "Paid", strconv.Itoa(summary.StatusCounts.Paid)},
		{"Obligations", "Scheduled", formatAmount(summary.Obligations.Scheduled)},
		{"Obligations", "Paid", formatAmount(summary.Obligations.Paid)},
	}
	for _, row := range totalRows {
		if err := streamer.writeRow(row); err != nil {
			return err
		}
	}

	if err := streamer.writeRow([]string{"", "", ""}); err != nil {
		return err
	}
	if err := streamer.writeRow([]string{"Rank", "Entity", "Unpaid"}); err != nil {
		return err
	}
	for i, entry := range summary.TopUnpaid {
		if err := streamer.writeRow([]string{
			strconv.Itoa(i + 1),
			strconv.FormatInt(entry.EntityID, 10),
			formatAmount(entry.Unpaid),
		}); err != nil {
			return err
		}
	}
	return streamer.Close()
}

func formatAmount(v int64) string {
	return amountPrinter.Sprintf("%d", v)
}

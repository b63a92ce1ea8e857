package service

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	reportingdomain "github.com/skystack/allocd/internal/reporting/domain"
)

// csvHeader is a compatibility contract with downstream report consumers.
// Do not reorder or rename columns.
var csvHeader = []string{
	"username",
	"instance_id",
	"allocation_source",
	"provider_alias",
	"instance_status_history_id",
	"cpu",
	"memory",
	"disk",
	"status_start_date",
	"status_end_date",
	"report_start_date",
	"report_end_date",
	"status",
	"duration",
	"applicable_duration",
}

// WriteCSV renders usage rows in the export format. Durations are seconds;
// timestamps are RFC3339 in UTC.
func WriteCSV(w io.Writer, rows []reportingdomain.UsageRow) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	for _, row := range rows {
		record := []string{
			row.Username,
			row.InstanceID.String(),
			row.AllocationSource,
			row.ProviderAlias,
			row.HistoryID.String(),
			strconv.Itoa(row.CPU),
			strconv.Itoa(row.MemoryMB),
			strconv.Itoa(row.DiskGB),
			row.IntervalStart.UTC().Format(time.RFC3339),
			row.IntervalEnd.UTC().Format(time.RFC3339),
			row.ReportStart.UTC().Format(time.RFC3339),
			row.ReportEnd.UTC().Format(time.RFC3339),
			row.Status,
			strconv.FormatFloat(row.Duration.Seconds(), 'f', -1, 64),
			strconv.FormatFloat(row.ApplicableDuration, 'f', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

package service

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	reportingdomain "github.com/skystack/allocd/internal/reporting/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCSVHeaderOnly(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, csvHeader, records[0])
}

func TestWriteCSVFormatsRow(t *testing.T) {
	row := reportingdomain.UsageRow{
		Username:           "alice",
		InstanceID:         12345,
		AllocationSource:   "physics",
		ProviderAlias:      "vm-alice-1",
		HistoryID:          67890,
		CPU:                2,
		MemoryMB:           4096,
		DiskGB:             40,
		IntervalStart:      time.Date(2026, time.January, 10, 10, 0, 0, 0, time.UTC),
		IntervalEnd:        time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC),
		ReportStart:        time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC),
		ReportEnd:          time.Date(2026, time.January, 11, 0, 0, 0, 0, time.UTC),
		Status:             "active",
		Duration:           2 * time.Hour,
		ApplicableDuration: 14400,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, []reportingdomain.UsageRow{row}))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, []string{
		"alice",
		"12345",
		"physics",
		"vm-alice-1",
		"67890",
		"2",
		"4096",
		"40",
		"2026-01-10T10:00:00Z",
		"2026-01-10T12:00:00Z",
		"2026-01-10T00:00:00Z",
		"2026-01-11T00:00:00Z",
		"active",
		"7200",
		"14400",
	}, records[1])
}

package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/xuri/excelize/v2"

	api "fastdls/pkg/contracts/api/v1"
)

// LeaseSheet is the worksheet written by ExportLeases.
const LeaseSheet = "Leases"

var leaseColumns = []string{
	"lease_ref", "origin_ref", "hostname", "guest_driver_version",
	"os_platform", "os_version", "lease_created", "lease_updated",
	"lease_renewal", "lease_expires",
}

// ExportLeases writes every lease with its origin as an XLSX workbook.
func (s *AdminService) ExportLeases(ctx context.Context, w io.Writer) (int, error) {
	leases, err := s.ListLeases(ctx, true)
	if err != nil {
		return 0, err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), LeaseSheet); err != nil {
		return 0, fmt.Errorf("rename sheet: %w", err)
	}

	header := make([]interface{}, len(leaseColumns))
	for i, c := range leaseColumns {
		header[i] = c
	}
	if err := writeRow(f, 1, header); err != nil {
		return 0, err
	}

	for i, l := range leases {
		if err := writeRow(f, i+2, leaseRow(l)); err != nil {
			return 0, err
		}
	}

	last, _ := excelize.ColumnNumberToName(len(leaseColumns))
	if err := f.SetColWidth(LeaseSheet, "A", last, 38); err != nil {
		return 0, fmt.Errorf("set column width: %w", err)
	}

	if err := f.Write(w); err != nil {
		return 0, fmt.Errorf("write workbook: %w", err)
	}

	s.logger.InfoContext(ctx, "leases exported", slog.Int("count", len(leases)))
	return len(leases), nil
}

func leaseRow(l api.LeaseView) []interface{} {
	var o api.OriginView
	if l.Origin != nil {
		o = *l.Origin
	}
	return []interface{}{
		l.LeaseRef, l.OriginRef, o.Hostname, o.GuestDriverVersion,
		o.OSPlatform, o.OSVersion, l.LeaseCreated.String(), l.LeaseUpdated.String(),
		l.LeaseRenewal.String(), l.LeaseExpires.String(),
	}
}

func writeRow(f *excelize.File, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(LeaseSheet, cell, &values); err != nil {
		return fmt.Errorf("write row %d: %w", row, err)
	}
	return nil
}

package ics

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLog "orgcal/internal/log"
	"orgcal/internal/model"
)

// BatchWriter stores the records of one import.
type BatchWriter interface {
	ImportBatch(ctx context.Context, orgID string, events []model.BaseEvent, exceptions []model.ExceptionRecord) error
}

// ImportReport counts what an import wrote.
type ImportReport struct {
	Sources    int
	Events     int
	Exceptions int
	Skipped    int
}

// Import fetches every source, maps its VEVENTs and writes them into the
// source's organization. A failing source does not stop the others.
func Import(ctx context.Context, w BatchWriter, f *Fetcher, sources []Source, loc *time.Location) (ImportReport, error) {
	var report ImportReport

	results, fetchErr := f.FetchAll(ctx, sources)
	errs := []error{fetchErr}

	for _, res := range results {
		imp, err := ParseBaseEvents(res.Source.OrganizationID, res.Body, loc)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Source.ID, err))
			continue
		}
		if err := w.ImportBatch(ctx, res.Source.OrganizationID, imp.Events, imp.Exceptions); err != nil {
			errs = append(errs, fmt.Errorf("%s: store: %w", res.Source.ID, err))
			continue
		}
		report.Sources++
		report.Events += len(imp.Events)
		report.Exceptions += len(imp.Exceptions)
		report.Skipped += len(imp.Skipped)
	}

	appLog.Info("ics import done",
		"sources", report.Sources,
		"events", report.Events,
		"exceptions", report.Exceptions,
		"skipped", report.Skipped,
	)
	return report, errors.Join(errs...)
}

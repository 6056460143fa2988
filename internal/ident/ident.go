// Package ident validates the ReportTitle identifier: single path segment,
// no traversal, stable under normalization. It has no validators for
// RunId, JobId, or WorkerId.
package ident

import (
	"path/filepath"
	"strings"

	"github.com/danshapiro/gyoshu/internal/gerr"
)

// ValidateReportTitle enforces spec §3: a single path segment, no "..",
// "/", or "\", and normalization must leave it unchanged.
func ValidateReportTitle(title string) error {
	if title == "" {
		return gerr.New(gerr.InvalidSegment, "ident.ValidateReportTitle", "report title must not be empty")
	}
	if strings.ContainsAny(title, "/\\") {
		return gerr.New(gerr.InvalidSegment, "ident.ValidateReportTitle", "report title must be a single path segment")
	}
	if title == ".." || title == "." {
		return gerr.New(gerr.InvalidSegment, "ident.ValidateReportTitle", "report title must not be . or ..")
	}
	if strings.Contains(title, "..") {
		return gerr.New(gerr.InvalidSegment, "ident.ValidateReportTitle", "report title must not contain ..")
	}
	if filepath.Base(title) != title {
		return gerr.New(gerr.InvalidSegment, "ident.ValidateReportTitle", "report title must survive normalization unchanged")
	}
	return nil
}

package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"mailreg/internal/license"
	"mailreg/internal/security"
)

const dateLayout = "2006-01-02 15:04 MST"

func row(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value) + "\n"
}

func stateStyle(state license.State, daysRemaining int) string {
	text := string(state)
	switch {
	case state == license.StateActive && daysRemaining <= 7:
		return warningStyle.Render(text)
	case state == license.StateActive:
		return successStyle.Render(text)
	case state == license.StateExpired:
		return errorStyle.Render(text)
	default:
		return warningStyle.Render(text)
	}
}

// RenderActivation formats a successful activation.
func RenderActivation(r *license.ActivationResult) string {
	var b strings.Builder
	b.WriteString(successStyle.Render("✓ " + r.Message))
	b.WriteString("\n\n")
	if r.Entry != nil {
		b.WriteString(row("Key", license.MaskKey(r.Entry.LicenseKey)))
		b.WriteString(row("Duration", r.Entry.DurationLabel))
	}
	if r.Expiration != nil {
		b.WriteString(row("Active until", r.Expiration.Format(dateLayout)))
	}
	b.WriteString(row("Days remaining", fmt.Sprint(r.DaysRemaining)))
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// RenderStatus formats the entitlement of this deployment, newest
// activation last.
func RenderStatus(r *license.StatusReport) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("License Status"))
	b.WriteString("\n")
	b.WriteString(labelStyle.Render("State") + stateStyle(r.State, r.DaysRemaining) + "\n")
	if r.Expiration != nil {
		b.WriteString(row("Active until", r.Expiration.Format(dateLayout)))
	}
	b.WriteString(row("Days remaining", fmt.Sprint(r.DaysRemaining)))
	b.WriteString(row("Fingerprint", license.FingerprintPrefix(r.Fingerprint)+"…"))
	b.WriteString(row("Confidence", r.Confidence))
	b.WriteString(row("Source", r.Source))
	if !r.StoreReachable {
		b.WriteString(warningStyle.Render("Ledger unreachable, showing cached state") + "\n")
	}
	if r.DomainChanged {
		b.WriteString(warningStyle.Render("Deployment fingerprint changed since the last check") + "\n")
	}

	if len(r.History) > 0 {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render(fmt.Sprintf("History (%d)", r.HistoryCount)))
		b.WriteString("\n")
		for _, e := range r.History {
			b.WriteString(fmt.Sprintf("%s  %-9s  %s → %s\n",
				license.MaskKey(e.LicenseKey), e.DurationLabel,
				e.ActivationDate.Format(time.DateOnly), e.Expiration.Format(time.DateOnly)))
		}
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// RenderStats formats ledger statistics with duration classes in
// ascending order of length.
func RenderStats(s *license.LedgerStats) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Ledger"))
	b.WriteString("\n")
	b.WriteString(row("Total", fmt.Sprint(s.Total)))
	b.WriteString(row("Used", fmt.Sprint(s.Used)))
	b.WriteString(row("Unused", fmt.Sprint(s.Unused)))
	b.WriteString(row("Active", fmt.Sprint(s.Active)))
	b.WriteString(row("Inactive", fmt.Sprint(s.Inactive)))
	b.WriteString(row("Revoked", fmt.Sprint(s.Revoked)))
	b.WriteString(row("Batches", fmt.Sprint(s.Batches)))

	if len(s.ByDuration) > 0 {
		b.WriteString("\n")
		for _, label := range durationOrder(s.ByDuration) {
			b.WriteString(row(label, fmt.Sprint(s.ByDuration[label])))
		}
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// durationOrder lists known classes first in their natural order, then
// custom labels alphabetically.
func durationOrder(counts map[string]int) []string {
	known := make(map[string]bool, len(license.DurationClasses))
	var labels []string
	for _, c := range license.DurationClasses {
		known[c.Label] = true
		if _, ok := counts[c.Label]; ok {
			labels = append(labels, c.Label)
		}
	}
	var custom []string
	for label := range counts {
		if !known[label] {
			custom = append(custom, label)
		}
	}
	sort.Strings(custom)
	return append(labels, custom...)
}

// RenderBatch summarises an issued batch. Keys are printed in full, one per
// line, since the operator has to hand them out.
func RenderBatch(batch *license.Batch, exportedTo string) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Batch " + batch.ID))
	b.WriteString("\n")
	b.WriteString(row("Keys", fmt.Sprint(len(batch.Records))))
	b.WriteString(row("Duration", batch.DurationLabel))
	b.WriteString(row("Created by", batch.CreatedBy))
	if exportedTo != "" {
		b.WriteString(row("Exported to", exportedTo))
	}
	b.WriteString("\n")
	for _, key := range batch.Keys() {
		b.WriteString(key + "\n")
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// RenderFingerprint shows the derived deployment fingerprint.
func RenderFingerprint(fp security.Fingerprint) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Deployment Fingerprint"))
	b.WriteString("\n")
	b.WriteString(row("Value", fp.Value))
	b.WriteString(row("Confidence", string(fp.Confidence)))
	b.WriteString(row("Components", fmt.Sprint(len(fp.Components))))
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

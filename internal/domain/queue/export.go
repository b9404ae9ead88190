package queue

import (
	"fmt"
	"io"
	"sort"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/xuri/excelize/v2"
)

const (
	queueSheet   = "Queue"
	summarySheet = "Summary"
	clockLayout  = "15:04"
)

var workbookHeader = []interface{}{
	"Position", "Appointment", "Patient", "Type", "Status", "Phase",
	"Booked Start", "Estimated Start", "Wait (min)", "Estimate Source",
	"Checked In", "Actual Start", "Actual End",
}

// WriteDayWorkbook renders the snapshot as an XLSX workbook with the queue
// in position order and a per-phase summary.
func WriteDayWorkbook(w io.Writer, snap *Snapshot, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	f := excelize.NewFile()
	defer f.Close()

	idx, err := f.NewSheet(queueSheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	if err := f.SetSheetRow(queueSheet, "A1", &workbookHeader); err != nil {
		return err
	}
	last, _ := excelize.ColumnNumberToName(len(workbookHeader))
	if err := f.SetCellStyle(queueSheet, "A1", last+"1", headerStyle); err != nil {
		return err
	}
	f.SetColWidth(queueSheet, "A", "A", 10)
	f.SetColWidth(queueSheet, "B", "C", 38)
	f.SetColWidth(queueSheet, "D", last, 16)

	estimates := make(map[string]Estimate, len(snap.Estimates))
	for _, est := range snap.Estimates {
		estimates[est.AppointmentID.String()] = est
	}
	entries := make([]*Entry, len(snap.Entries))
	copy(entries, snap.Entries)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].QueuePosition < entries[j].QueuePosition })

	counts := make(map[Phase]int)
	for i, e := range entries {
		phase := e.Phase()
		counts[phase]++
		row := []interface{}{
			e.QueuePosition, e.ID.String(), patientLabel(e), string(e.AppointmentType),
			string(e.Status), string(phase), e.StartTime.In(loc).Format(clockLayout),
			"", "", "", clockOf(e.CheckedInAt, loc), clockOf(e.ActualStart, loc), clockOf(e.ActualEnd, loc),
		}
		if est, ok := estimates[e.ID.String()]; ok {
			row[7] = est.EstimatedStart.In(loc).Format(clockLayout)
			row[8] = est.WaitMinutes
			row[9] = string(est.Source)
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(queueSheet, cell, &row); err != nil {
			return err
		}
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	summary := [][]interface{}{
		{"Clinic", snap.Scope.ClinicID.String()},
		{"Staff", snap.Scope.StaffID.String()},
		{"Date", snap.Scope.Date.Format(DateLayout)},
		{"Queue mode", string(snap.QueueMode)},
		{"Operating mode", string(snap.OperatingMode)},
		{"Generated at", snap.GeneratedAt.In(loc).Format(time.RFC3339)},
	}
	for _, p := range allPhases {
		summary = append(summary, []interface{}{string(p), counts[p]})
	}
	for i := range summary {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &summary[i]); err != nil {
			return err
		}
	}
	f.SetColWidth(summarySheet, "A", "A", 18)
	f.SetColWidth(summarySheet, "B", "B", 38)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

var allPhases = []Phase{
	PhaseScheduled, PhaseWaiting, PhaseInProgress, PhaseAbsent, PhaseWaitlisted,
	PhaseCompleted, PhaseCancelled, PhaseNoShow,
}

func patientLabel(e *Entry) string {
	switch {
	case e.PatientID != nil:
		return e.PatientID.String()
	case e.GuestPatientID != nil:
		return "guest " + e.GuestPatientID.String()
	}
	return ""
}

func clockOf(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	return t.In(loc).Format(clockLayout)
}

// WriteDayCalendar renders the snapshot as an iCalendar feed. Queued entries
// carry their estimated start; finished ones their actual times.
func WriteDayCalendar(w io.Writer, snap *Snapshot) error {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//clinicq//queue//EN")
	cal.SetXWRCalName(fmt.Sprintf("Queue %s", snap.Scope.Date.Format(DateLayout)))

	estimates := make(map[string]Estimate, len(snap.Estimates))
	for _, est := range snap.Estimates {
		estimates[est.AppointmentID.String()] = est
	}

	for _, e := range snap.Entries {
		start, end := e.StartTime, e.EndTime
		if est, ok := estimates[e.ID.String()]; ok {
			start = est.EstimatedStart
			end = start.Add(time.Duration(est.DurationMins) * time.Minute)
		}
		if e.ActualStart != nil {
			start = *e.ActualStart
			if e.ActualEnd != nil {
				end = *e.ActualEnd
			} else if !end.After(start) {
				end = start.Add(e.Duration())
			}
		}

		ev := cal.AddEvent(e.ID.String() + "@clinicq")
		ev.SetDtStampTime(snap.GeneratedAt)
		ev.SetStartAt(start)
		ev.SetEndAt(end)
		ev.SetSummary(fmt.Sprintf("#%d %s", e.QueuePosition, e.AppointmentType))
		ev.SetDescription(fmt.Sprintf("status=%s phase=%s", e.Status, e.Phase()))
		ev.SetStatus(calendarStatus(e.Phase()))
	}

	if _, err := io.WriteString(w, cal.Serialize()); err != nil {
		return fmt.Errorf("write calendar: %w", err)
	}
	return nil
}

func calendarStatus(p Phase) ics.ObjectStatus {
	switch p {
	case PhaseCancelled, PhaseNoShow:
		return ics.ObjectStatusCancelled
	case PhaseAbsent, PhaseWaitlisted:
		return ics.ObjectStatusTentative
	}
	return ics.ObjectStatusConfirmed
}

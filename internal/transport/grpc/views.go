package grpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/service/subscriptions"
)

// decodeStruct copies a request document into dst through its json tags.
// Unknown keys are rejected.
func decodeStruct(req *structpb.Struct, dst any) error {
	raw, err := protojson.Marshal(req)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}
	return nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

type subscriptionView struct {
	ID                 uuid.UUID  `json:"id"`
	ClientID           uuid.UUID  `json:"client_id"`
	BarberID           uuid.UUID  `json:"barber_id"`
	ServiceID          uuid.UUID  `json:"service_id"`
	PlanType           string     `json:"plan_type"`
	Status             string     `json:"status"`
	StartDate          time.Time  `json:"start_date"`
	EndDate            time.Time  `json:"end_date"`
	DurationMonths     int        `json:"duration_months"`
	TotalSlots         int        `json:"total_slots"`
	PausedAt           *time.Time `json:"paused_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	Notes              string     `json:"notes,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type slotView struct {
	ID        uuid.UUID `json:"id"`
	SlotIndex int       `json:"slot_index"`
	Date      time.Time `json:"date"`
	Status    string    `json:"status"`
}

type changeView struct {
	ID          uuid.UUID       `json:"id"`
	ChangeType  string          `json:"change_type"`
	Description string          `json:"description"`
	OldValue    json.RawMessage `json:"old_value,omitempty"`
	NewValue    json.RawMessage `json:"new_value,omitempty"`
	Reason      *string         `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type detailsView struct {
	Subscription subscriptionView `json:"subscription"`
	Slots        []slotView       `json:"slots"`
	ChangeLog    []changeView     `json:"change_log"`
}

func toDetailsView(d subscriptions.Details) detailsView {
	sub := d.Subscription
	out := detailsView{
		Subscription: subscriptionView{
			ID:                 sub.ID,
			ClientID:           sub.ClientID,
			BarberID:           sub.BarberID,
			ServiceID:          sub.ServiceID,
			PlanType:           string(sub.PlanType),
			Status:             string(sub.Status),
			StartDate:          sub.StartDate.UTC(),
			EndDate:            sub.EndDate.UTC(),
			DurationMonths:     sub.DurationMonths,
			TotalSlots:         sub.TotalSlots,
			PausedAt:           utcPtr(sub.PausedAt),
			CancelledAt:        utcPtr(sub.CancelledAt),
			CancellationReason: sub.CancellationReason,
			Notes:              sub.Notes,
			CreatedAt:          sub.CreatedAt.UTC(),
			UpdatedAt:          sub.UpdatedAt.UTC(),
		},
		Slots:     make([]slotView, 0, len(d.Slots)),
		ChangeLog: make([]changeView, 0, len(d.ChangeLog)),
	}
	for _, a := range d.Slots {
		out.Slots = append(out.Slots, toSlotView(a))
	}
	for _, e := range d.ChangeLog {
		out.ChangeLog = append(out.ChangeLog, changeView{
			ID:          e.ID,
			ChangeType:  string(e.ChangeType),
			Description: e.Description,
			OldValue:    e.OldValue,
			NewValue:    e.NewValue,
			Reason:      e.Reason,
			CreatedAt:   e.CreatedAt.UTC(),
		})
	}
	return out
}

func toSlotView(a domain.Appointment) slotView {
	return slotView{
		ID:        a.ID,
		SlotIndex: a.SlotIndex(),
		Date:      a.Date.UTC(),
		Status:    string(a.Status),
	}
}

type partyView struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type serviceView struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	DurationMinutes int       `json:"duration_minutes"`
}

type bookingView struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	ClientName    string    `json:"client_name"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
}

type previewSlotView struct {
	SlotIndex   int          `json:"slot_index"`
	Date        time.Time    `json:"date"`
	HasConflict bool         `json:"has_conflict"`
	Conflict    *bookingView `json:"conflict,omitempty"`
}

type previewView struct {
	Client         partyView         `json:"client"`
	Barber         partyView         `json:"barber"`
	Service        serviceView       `json:"service"`
	PlanType       string            `json:"plan_type"`
	StartDate      time.Time         `json:"start_date"`
	EndDate        time.Time         `json:"end_date"`
	DurationMonths int               `json:"duration_months"`
	TotalSlots     int               `json:"total_slots"`
	ConflictCount  int               `json:"conflict_count"`
	Slots          []previewSlotView `json:"slots"`
}

func toPreviewView(p subscriptions.Preview) previewView {
	out := previewView{
		Client:         partyView{ID: p.Client.ID, Name: p.Client.Name},
		Barber:         partyView{ID: p.Barber.ID, Name: p.Barber.Name},
		Service:        serviceView{ID: p.Service.ID, Name: p.Service.Name, DurationMinutes: p.Service.DurationMinutes},
		PlanType:       string(p.PlanType),
		StartDate:      p.StartDate.UTC(),
		EndDate:        p.EndDate.UTC(),
		DurationMonths: p.DurationMonths,
		TotalSlots:     p.TotalSlots,
		ConflictCount:  p.ConflictCount,
		Slots:          make([]previewSlotView, 0, len(p.Slots)),
	}
	for _, s := range p.Slots {
		v := previewSlotView{SlotIndex: s.Index, Date: s.Date.UTC(), HasConflict: s.Conflict.HasConflict}
		if b := s.Conflict.Booking; b != nil {
			v.Conflict = &bookingView{
				AppointmentID: b.AppointmentID,
				ClientName:    b.ClientName,
				Start:         b.Start.UTC(),
				End:           b.End.UTC(),
			}
		}
		out.Slots = append(out.Slots, v)
	}
	return out
}

type slotConflictView struct {
	SlotIndex int         `json:"slot_index"`
	Date      time.Time   `json:"date"`
	Booking   bookingView `json:"booking"`
}

func toConflictViews(conflicts []subscriptions.SlotConflict) map[string]any {
	out := make([]slotConflictView, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, slotConflictView{
			SlotIndex: c.SlotIndex,
			Date:      c.Date.UTC(),
			Booking: bookingView{
				AppointmentID: c.Booking.AppointmentID,
				ClientName:    c.Booking.ClientName,
				Start:         c.Booking.Start.UTC(),
				End:           c.Booking.End.UTC(),
			},
		})
	}
	return map[string]any{"conflicts": out}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

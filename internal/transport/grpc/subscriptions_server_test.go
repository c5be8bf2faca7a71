package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/service/scheduling"
	"chairtime/backend/internal/service/subscriptions"
)

type fakeSubscriptionsService struct {
	previewFn    func(ctx context.Context, in subscriptions.PreviewInput) (subscriptions.Preview, error)
	createFn     func(ctx context.Context, in subscriptions.CreateInput) (subscriptions.Details, error)
	changePlanFn func(ctx context.Context, in subscriptions.ChangePlanInput) (subscriptions.Details, error)
	pauseFn      func(ctx context.Context, in subscriptions.PauseInput) (subscriptions.Details, error)
	resumeFn     func(ctx context.Context, in subscriptions.ResumeInput) (subscriptions.Details, error)
	cancelFn     func(ctx context.Context, in subscriptions.CancelInput) (subscriptions.Details, error)
	getFn        func(ctx context.Context, id uuid.UUID) (subscriptions.Details, error)
}

func (f *fakeSubscriptionsService) Preview(ctx context.Context, in subscriptions.PreviewInput) (subscriptions.Preview, error) {
	if f.previewFn == nil {
		panic("Preview not configured")
	}
	return f.previewFn(ctx, in)
}

func (f *fakeSubscriptionsService) Create(ctx context.Context, in subscriptions.CreateInput) (subscriptions.Details, error) {
	if f.createFn == nil {
		panic("Create not configured")
	}
	return f.createFn(ctx, in)
}

func (f *fakeSubscriptionsService) ChangePlanType(ctx context.Context, in subscriptions.ChangePlanInput) (subscriptions.Details, error) {
	if f.changePlanFn == nil {
		panic("ChangePlanType not configured")
	}
	return f.changePlanFn(ctx, in)
}

func (f *fakeSubscriptionsService) Pause(ctx context.Context, in subscriptions.PauseInput) (subscriptions.Details, error) {
	if f.pauseFn == nil {
		panic("Pause not configured")
	}
	return f.pauseFn(ctx, in)
}

func (f *fakeSubscriptionsService) Resume(ctx context.Context, in subscriptions.ResumeInput) (subscriptions.Details, error) {
	if f.resumeFn == nil {
		panic("Resume not configured")
	}
	return f.resumeFn(ctx, in)
}

func (f *fakeSubscriptionsService) Cancel(ctx context.Context, in subscriptions.CancelInput) (subscriptions.Details, error) {
	if f.cancelFn == nil {
		panic("Cancel not configured")
	}
	return f.cancelFn(ctx, in)
}

func (f *fakeSubscriptionsService) GetSubscription(ctx context.Context, id uuid.UUID) (subscriptions.Details, error) {
	if f.getFn == nil {
		panic("GetSubscription not configured")
	}
	return f.getFn(ctx, id)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct error: %v", err)
	}
	return s
}

var testStart = time.Date(2024, 12, 2, 9, 0, 0, 0, time.UTC)

func sampleDetails() subscriptions.Details {
	subID := uuid.New()
	idx0, idx1 := 0, 1
	reason := "moving"
	return subscriptions.Details{
		Subscription: domain.Subscription{
			ID:             subID,
			ClientID:       uuid.New(),
			BarberID:       uuid.New(),
			ServiceID:      uuid.New(),
			PlanType:       domain.PlanTypeWeekly,
			Status:         domain.SubscriptionStatusCancelled,
			StartDate:      testStart,
			EndDate:        testStart.AddDate(0, 1, 0),
			DurationMonths: 1,
			TotalSlots:     2,
			CancelledAt:    &testStart,
			CreatedAt:      testStart,
			UpdatedAt:      testStart,
		},
		Slots: []domain.Appointment{
			{ID: uuid.New(), SubscriptionID: &subID, SubscriptionSlotIndex: &idx0, Date: testStart, Status: domain.AppointmentStatusCompleted},
			{ID: uuid.New(), SubscriptionID: &subID, SubscriptionSlotIndex: &idx1, Date: testStart.AddDate(0, 0, 7), Status: domain.AppointmentStatusCancelled},
		},
		ChangeLog: []domain.ChangeLogEntry{
			{
				ID:             uuid.New(),
				SubscriptionID: subID,
				ChangeType:     domain.ChangeTypeCancelled,
				Description:    "subscription cancelled, 1 upcoming appointments cancelled",
				OldValue:       json.RawMessage(`{"status":"ACTIVE"}`),
				NewValue:       json.RawMessage(`{"status":"CANCELLED"}`),
				Reason:         &reason,
				CreatedAt:      testStart,
			},
		},
	}
}

func TestPreviewSubscription_DecodesRequestAndEncodesPreview(t *testing.T) {
	clientID, barberID, serviceID := uuid.New(), uuid.New(), uuid.New()
	other := uuid.New()

	srv := NewSubscriptionsServer(&fakeSubscriptionsService{
		previewFn: func(ctx context.Context, in subscriptions.PreviewInput) (subscriptions.Preview, error) {
			if in.ClientID != clientID || in.BarberID != barberID || in.ServiceID != serviceID {
				t.Fatalf("ids not decoded: %+v", in)
			}
			if in.PlanType != domain.PlanTypeWeekly {
				t.Fatalf("plan type = %q", in.PlanType)
			}
			if !in.StartDate.Equal(testStart) {
				t.Fatalf("start = %v, want %v", in.StartDate, testStart)
			}
			if in.DurationMonths != 1 {
				t.Fatalf("duration = %d, want 1", in.DurationMonths)
			}
			return subscriptions.Preview{
				Client:         domain.Client{ID: clientID, Name: "Ade"},
				Barber:         domain.Barber{ID: barberID, Name: "Tunde"},
				Service:        domain.Service{ID: serviceID, Name: "Cut", DurationMinutes: 30},
				PlanType:       in.PlanType,
				StartDate:      in.StartDate,
				EndDate:        in.StartDate.AddDate(0, 1, 0),
				DurationMonths: 1,
				TotalSlots:     2,
				ConflictCount:  1,
				Slots: []subscriptions.PreviewSlot{
					{Index: 0, Date: testStart},
					{Index: 1, Date: testStart.AddDate(0, 0, 7), Conflict: scheduling.Conflict{
						HasConflict: true,
						Booking: &scheduling.ConflictingBooking{
							AppointmentID: other,
							ClientName:    "Bola",
							Start:         testStart.AddDate(0, 0, 7),
							End:           testStart.AddDate(0, 0, 7).Add(30 * time.Minute),
						},
					}},
				},
			}, nil
		},
	}, testLogger())

	resp, err := srv.PreviewSubscription(context.Background(), mustStruct(t, map[string]any{
		"client_id":       clientID.String(),
		"barber_id":       barberID.String(),
		"service_id":      serviceID.String(),
		"plan_type":       "WEEKLY",
		"start_date":      "2024-12-02T09:00:00Z",
		"duration_months": 1,
	}))
	if err != nil {
		t.Fatalf("PreviewSubscription error: %v", err)
	}

	got := resp.AsMap()
	if got["total_slots"] != float64(2) {
		t.Fatalf("total_slots = %v, want 2", got["total_slots"])
	}
	if got["conflict_count"] != float64(1) {
		t.Fatalf("conflict_count = %v, want 1", got["conflict_count"])
	}
	slots, ok := got["slots"].([]any)
	if !ok || len(slots) != 2 {
		t.Fatalf("slots = %#v, want 2 entries", got["slots"])
	}
	second := slots[1].(map[string]any)
	if second["has_conflict"] != true {
		t.Fatalf("slots[1].has_conflict = %v, want true", second["has_conflict"])
	}
	conflict := second["conflict"].(map[string]any)
	if conflict["client_name"] != "Bola" || conflict["appointment_id"] != other.String() {
		t.Fatalf("slots[1].conflict = %#v", conflict)
	}
	if _, ok := slots[0].(map[string]any)["conflict"]; ok {
		t.Fatalf("slots[0] should not carry a conflict")
	}
}

func TestCreateSubscription_DecodesAdjustments(t *testing.T) {
	want := sampleDetails()
	srv := NewSubscriptionsServer(&fakeSubscriptionsService{
		createFn: func(ctx context.Context, in subscriptions.CreateInput) (subscriptions.Details, error) {
			if in.Notes != "prefers mornings" {
				t.Fatalf("notes = %q", in.Notes)
			}
			if len(in.Adjustments) != 1 || in.Adjustments[0].SlotIndex != 1 || in.Adjustments[0].Reason != "clash" {
				t.Fatalf("adjustments = %+v", in.Adjustments)
			}
			if !in.Adjustments[0].Date.Equal(testStart.AddDate(0, 0, 8)) {
				t.Fatalf("adjusted date = %v", in.Adjustments[0].Date)
			}
			return want, nil
		},
	}, testLogger())

	resp, err := srv.CreateSubscription(context.Background(), mustStruct(t, map[string]any{
		"client_id":       uuid.NewString(),
		"barber_id":       uuid.NewString(),
		"service_id":      uuid.NewString(),
		"plan_type":       "WEEKLY",
		"start_date":      "2024-12-02T09:00:00Z",
		"duration_months": 1,
		"notes":           "prefers mornings",
		"adjustments": []any{
			map[string]any{"slot_index": 1, "date": "2024-12-10T09:00:00Z", "reason": "clash"},
		},
	}))
	if err != nil {
		t.Fatalf("CreateSubscription error: %v", err)
	}
	sub := resp.AsMap()["subscription"].(map[string]any)
	if sub["id"] != want.Subscription.ID.String() {
		t.Fatalf("subscription.id = %v, want %s", sub["id"], want.Subscription.ID)
	}
}

func TestDecodeRequest_RejectsBadInput(t *testing.T) {
	srv := NewSubscriptionsServer(&fakeSubscriptionsService{}, testLogger())

	tests := []struct {
		name string
		req  *structpb.Struct
	}{
		{name: "nil request", req: nil},
		{name: "unknown field", req: mustStruct(t, map[string]any{"subscription_id": uuid.NewString(), "colour": "red"})},
		{name: "malformed uuid", req: mustStruct(t, map[string]any{"subscription_id": "nope"})},
		{name: "malformed date", req: mustStruct(t, map[string]any{"subscription_id": uuid.NewString(), "new_start_date": "tomorrow"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.ResumeSubscription(context.Background(), tt.req)
			if status.Code(err) != codes.InvalidArgument {
				t.Fatalf("code = %v, want %v (err=%v)", status.Code(err), codes.InvalidArgument, err)
			}
		})
	}
}

func TestGetSubscription_RequiresID(t *testing.T) {
	srv := NewSubscriptionsServer(&fakeSubscriptionsService{}, testLogger())

	_, err := srv.GetSubscription(context.Background(), mustStruct(t, map[string]any{}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %v, want %v", status.Code(err), codes.InvalidArgument)
	}
}

func TestGetSubscription_EncodesDetails(t *testing.T) {
	d := sampleDetails()
	srv := NewSubscriptionsServer(&fakeSubscriptionsService{
		getFn: func(ctx context.Context, id uuid.UUID) (subscriptions.Details, error) {
			if id != d.Subscription.ID {
				t.Fatalf("id = %s, want %s", id, d.Subscription.ID)
			}
			return d, nil
		},
	}, testLogger())

	resp, err := srv.GetSubscription(context.Background(), mustStruct(t, map[string]any{
		"subscription_id": d.Subscription.ID.String(),
	}))
	if err != nil {
		t.Fatalf("GetSubscription error: %v", err)
	}

	got := resp.AsMap()
	sub := got["subscription"].(map[string]any)
	if sub["status"] != "CANCELLED" || sub["plan_type"] != "WEEKLY" {
		t.Fatalf("subscription = %#v", sub)
	}
	if sub["start_date"] != "2024-12-02T09:00:00Z" {
		t.Fatalf("start_date = %v", sub["start_date"])
	}
	if _, ok := sub["paused_at"]; ok {
		t.Fatalf("paused_at should be omitted when unset")
	}

	slots := got["slots"].([]any)
	if len(slots) != 2 {
		t.Fatalf("len(slots) = %d, want 2", len(slots))
	}
	if idx := slots[1].(map[string]any)["slot_index"]; idx != float64(1) {
		t.Fatalf("slots[1].slot_index = %v, want 1", idx)
	}

	log := got["change_log"].([]any)
	entry := log[0].(map[string]any)
	if entry["change_type"] != "CANCELLED" || entry["reason"] != "moving" {
		t.Fatalf("change_log[0] = %#v", entry)
	}
	if old := entry["old_value"].(map[string]any); old["status"] != "ACTIVE" {
		t.Fatalf("old_value = %#v", old)
	}
}

func TestFail_MapsServiceErrors(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{name: "validation", err: &subscriptions.ValidationError{}, want: codes.InvalidArgument},
		{name: "not found", err: &subscriptions.NotFoundError{Entity: "subscription", ID: id}, want: codes.NotFound},
		{name: "unavailable", err: &subscriptions.UnavailableError{Entity: "barber", ID: id}, want: codes.NotFound},
		{name: "active subscription", err: subscriptions.ErrActiveSubscription, want: codes.AlreadyExists},
		{name: "invalid state", err: fmt.Errorf("%w: %w", subscriptions.ErrInvalidState, &domain.TransitionError{From: domain.SubscriptionStatusCancelled, Operation: domain.OperationPause}), want: codes.FailedPrecondition},
		{name: "exhausted", err: subscriptions.ErrExhausted, want: codes.FailedPrecondition},
		{name: "deadline", err: fmt.Errorf("list slots: %w", context.DeadlineExceeded), want: codes.DeadlineExceeded},
		{name: "unexpected", err: errors.New("boom"), want: codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewSubscriptionsServer(&fakeSubscriptionsService{
				pauseFn: func(ctx context.Context, in subscriptions.PauseInput) (subscriptions.Details, error) {
					return subscriptions.Details{}, tt.err
				},
			}, testLogger())

			_, err := srv.PauseSubscription(context.Background(), mustStruct(t, map[string]any{"subscription_id": id.String()}))
			if status.Code(err) != tt.want {
				t.Fatalf("code = %v, want %v (err=%v)", status.Code(err), tt.want, err)
			}
			if tt.want == codes.Internal && status.Convert(err).Message() != "internal error" {
				t.Fatalf("internal message leaked: %q", status.Convert(err).Message())
			}
		})
	}
}

func TestFail_AttachesConflictDetails(t *testing.T) {
	booking := uuid.New()
	cErr := &subscriptions.SchedulingConflictError{Conflicts: []subscriptions.SlotConflict{{
		SlotIndex: 2,
		Date:      testStart.AddDate(0, 0, 14),
		Booking: scheduling.ConflictingBooking{
			AppointmentID: booking,
			ClientName:    "Bola",
			Start:         testStart.AddDate(0, 0, 14),
			End:           testStart.AddDate(0, 0, 14).Add(time.Hour),
		},
	}}}

	srv := NewSubscriptionsServer(&fakeSubscriptionsService{
		changePlanFn: func(ctx context.Context, in subscriptions.ChangePlanInput) (subscriptions.Details, error) {
			return subscriptions.Details{}, fmt.Errorf("change plan: %w", cErr)
		},
	}, testLogger())

	_, err := srv.ChangePlanType(context.Background(), mustStruct(t, map[string]any{
		"subscription_id": uuid.NewString(),
		"plan_type":       "BIWEEKLY",
	}))
	st := status.Convert(err)
	if st.Code() != codes.FailedPrecondition {
		t.Fatalf("code = %v, want %v", st.Code(), codes.FailedPrecondition)
	}
	details := st.Details()
	if len(details) != 1 {
		t.Fatalf("len(details) = %d, want 1", len(details))
	}
	detail, ok := details[0].(*structpb.Struct)
	if !ok {
		t.Fatalf("detail type = %T, want *structpb.Struct", details[0])
	}
	conflicts := detail.AsMap()["conflicts"].([]any)
	first := conflicts[0].(map[string]any)
	if first["slot_index"] != float64(2) {
		t.Fatalf("slot_index = %v, want 2", first["slot_index"])
	}
	if b := first["booking"].(map[string]any); b["appointment_id"] != booking.String() {
		t.Fatalf("booking = %#v", b)
	}
}

func TestServiceDesc_RoundTripOverConnection(t *testing.T) {
	d := sampleDetails()
	lis := bufconn.Listen(1 << 20)

	var seen string
	server := grpc.NewServer(grpc.UnaryInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		seen = info.FullMethod
		return handler(ctx, req)
	}))
	RegisterSubscriptionsServiceServer(server, NewSubscriptionsServer(&fakeSubscriptionsService{
		cancelFn: func(ctx context.Context, in subscriptions.CancelInput) (subscriptions.Details, error) {
			if in.Reason != "moving" {
				t.Errorf("reason = %q, want %q", in.Reason, "moving")
			}
			return d, nil
		},
	}, testLogger()))
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewSubscriptionsClient(conn)
	resp, err := client.Call(ctx, methodCancelSubscription, mustStruct(t, map[string]any{
		"subscription_id": d.Subscription.ID.String(),
		"reason":          "moving",
	}))
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if seen != "/chairtime.v1.SubscriptionsService/CancelSubscription" {
		t.Fatalf("interceptor saw %q", seen)
	}
	if sub := resp.AsMap()["subscription"].(map[string]any); sub["status"] != "CANCELLED" {
		t.Fatalf("status = %v, want CANCELLED", sub["status"])
	}

	_, err = client.Call(ctx, "Unknown", mustStruct(t, map[string]any{}))
	if status.Code(err) != codes.Unimplemented {
		t.Fatalf("code = %v, want %v", status.Code(err), codes.Unimplemented)
	}
}

package grpc

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"chairtime/backend/internal/service/subscriptions"
)

type subscriptionsService interface {
	Preview(ctx context.Context, in subscriptions.PreviewInput) (subscriptions.Preview, error)
	Create(ctx context.Context, in subscriptions.CreateInput) (subscriptions.Details, error)
	ChangePlanType(ctx context.Context, in subscriptions.ChangePlanInput) (subscriptions.Details, error)
	Pause(ctx context.Context, in subscriptions.PauseInput) (subscriptions.Details, error)
	Resume(ctx context.Context, in subscriptions.ResumeInput) (subscriptions.Details, error)
	Cancel(ctx context.Context, in subscriptions.CancelInput) (subscriptions.Details, error)
	GetSubscription(ctx context.Context, id uuid.UUID) (subscriptions.Details, error)
}

type SubscriptionsServer struct {
	svc subscriptionsService
	log *slog.Logger
}

var _ SubscriptionsServiceServer = (*SubscriptionsServer)(nil)

func NewSubscriptionsServer(svc subscriptionsService, log *slog.Logger) *SubscriptionsServer {
	if log == nil {
		log = slog.Default()
	}
	return &SubscriptionsServer{
		svc: svc,
		log: log.With(slog.String("component", "grpc.subscriptions")),
	}
}

func (s *SubscriptionsServer) PreviewSubscription(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", methodPreviewSubscription))

	var in subscriptions.PreviewInput
	if err := decodeRequest(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}

	p, err := s.svc.Preview(ctx, in)
	if err != nil {
		return nil, s.fail(log, err, "preview failed")
	}

	log.Debug(
		"subscription previewed",
		slog.String("client_id", in.ClientID.String()),
		slog.Int("total_slots", p.TotalSlots),
		slog.Int("conflicts", p.ConflictCount),
	)

	return encodeResponse(log, toPreviewView(p))
}

func (s *SubscriptionsServer) CreateSubscription(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", methodCreateSubscription))

	var in subscriptions.CreateInput
	if err := decodeRequest(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}

	d, err := s.svc.Create(ctx, in)
	if err != nil {
		return nil, s.fail(log, err, "subscription create failed")
	}

	log.Info(
		"subscription created",
		slog.String("subscription_id", d.Subscription.ID.String()),
		slog.String("client_id", d.Subscription.ClientID.String()),
		slog.Int("total_slots", d.Subscription.TotalSlots),
	)

	return encodeResponse(log, toDetailsView(d))
}

func (s *SubscriptionsServer) ChangePlanType(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", methodChangePlanType))

	var in subscriptions.ChangePlanInput
	if err := decodeRequest(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}
	log = log.With(slog.String("subscription_id", in.SubscriptionID.String()))

	d, err := s.svc.ChangePlanType(ctx, in)
	if err != nil {
		return nil, s.fail(log, err, "plan change failed")
	}

	log.Info("plan type changed", slog.String("plan_type", string(d.Subscription.PlanType)))
	return encodeResponse(log, toDetailsView(d))
}

func (s *SubscriptionsServer) PauseSubscription(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", methodPauseSubscription))

	var in subscriptions.PauseInput
	if err := decodeRequest(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}
	log = log.With(slog.String("subscription_id", in.SubscriptionID.String()))

	d, err := s.svc.Pause(ctx, in)
	if err != nil {
		return nil, s.fail(log, err, "pause failed")
	}

	log.Info("subscription paused")
	return encodeResponse(log, toDetailsView(d))
}

func (s *SubscriptionsServer) ResumeSubscription(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", methodResumeSubscription))

	var in subscriptions.ResumeInput
	if err := decodeRequest(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}
	log = log.With(slog.String("subscription_id", in.SubscriptionID.String()))

	d, err := s.svc.Resume(ctx, in)
	if err != nil {
		return nil, s.fail(log, err, "resume failed")
	}

	log.Info("subscription resumed", slog.Time("new_start_date", in.NewStartDate))
	return encodeResponse(log, toDetailsView(d))
}

func (s *SubscriptionsServer) CancelSubscription(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", methodCancelSubscription))

	var in subscriptions.CancelInput
	if err := decodeRequest(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}
	log = log.With(slog.String("subscription_id", in.SubscriptionID.String()))

	d, err := s.svc.Cancel(ctx, in)
	if err != nil {
		return nil, s.fail(log, err, "cancel failed")
	}

	log.Info("subscription cancelled")
	return encodeResponse(log, toDetailsView(d))
}

func (s *SubscriptionsServer) GetSubscription(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", methodGetSubscription))

	var in struct {
		SubscriptionID uuid.UUID `json:"subscription_id"`
	}
	if err := decodeRequest(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}
	if in.SubscriptionID == uuid.Nil {
		return nil, status.Error(codes.InvalidArgument, "subscription_id is required")
	}
	log = log.With(slog.String("subscription_id", in.SubscriptionID.String()))

	d, err := s.svc.GetSubscription(ctx, in.SubscriptionID)
	if err != nil {
		return nil, s.fail(log, err, "subscription get failed")
	}

	log.Debug("subscription fetched", slog.Int("slots", len(d.Slots)))
	return encodeResponse(log, toDetailsView(d))
}

// fail logs err and converts it to a gRPC status. Caller mistakes are logged
// at warn, everything unexpected at error.
func (s *SubscriptionsServer) fail(log *slog.Logger, err error, msg string) error {
	var (
		vErr *subscriptions.ValidationError
		cErr *subscriptions.SchedulingConflictError
	)
	switch {
	case errors.As(err, &vErr):
		log.Warn("invalid request", slog.Any("err", err))
		return status.Error(codes.InvalidArgument, vErr.Error())
	case errors.Is(err, subscriptions.ErrNotFound), errors.Is(err, subscriptions.ErrUnavailable):
		log.Warn(msg, slog.Any("err", err))
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, subscriptions.ErrActiveSubscription):
		log.Warn(msg, slog.Any("err", err))
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.As(err, &cErr):
		log.Warn(msg, slog.Any("err", err), slog.Int("conflicts", len(cErr.Conflicts)))
		return conflictStatus(log, cErr)
	case errors.Is(err, subscriptions.ErrInvalidState), errors.Is(err, subscriptions.ErrExhausted):
		log.Warn(msg, slog.Any("err", err))
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Warn(msg, slog.Any("err", err))
		return status.FromContextError(err).Err()
	default:
		log.Error(msg, slog.Any("err", err))
		return status.Error(codes.Internal, "internal error")
	}
}

// conflictStatus attaches the conflicting slots as a Struct detail.
func conflictStatus(log *slog.Logger, cErr *subscriptions.SchedulingConflictError) error {
	st := status.New(codes.FailedPrecondition, cErr.Error())
	detail, err := encodeStruct(toConflictViews(cErr.Conflicts))
	if err != nil {
		log.Warn("conflict detail encode failed", slog.Any("err", err))
		return st.Err()
	}
	withDetail, err := st.WithDetails(detail)
	if err != nil {
		log.Warn("conflict detail attach failed", slog.Any("err", err))
		return st.Err()
	}
	return withDetail.Err()
}

func decodeRequest(req *structpb.Struct, dst any) error {
	if req == nil {
		return status.Error(codes.InvalidArgument, "request is required")
	}
	if err := decodeStruct(req, dst); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func encodeResponse(log *slog.Logger, v any) (*structpb.Struct, error) {
	out, err := encodeStruct(v)
	if err != nil {
		log.Error("response encode failed", slog.Any("err", err))
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}

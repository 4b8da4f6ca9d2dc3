package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fastdls/internal/config"
	apierrors "fastdls/internal/errors"
	"fastdls/internal/infrastructure"
	"fastdls/internal/products"
	"fastdls/internal/store"
	"fastdls/internal/token"
	api "fastdls/pkg/contracts/api/v1"
	"fastdls/pkg/contracts/events"
)

// LeaseService runs the lease lifecycle of authenticated origins. Every
// method that takes an originRef only ever sees leases owned by it.
type LeaseService struct {
	store    store.Store
	catalog  *products.Catalog
	codec    *token.Codec
	instance config.InstanceConfig
	opts     Options
	logger   *slog.Logger
}

// NewLeaseService creates a lease service.
func NewLeaseService(st store.Store, catalog *products.Catalog, codec *token.Codec, instance config.InstanceConfig, opts Options) *LeaseService {
	opts = opts.withDefaults()
	return &LeaseService{
		store:    st,
		catalog:  catalog,
		codec:    codec,
		instance: instance,
		opts:     opts,
		logger:   infrastructure.WithComponent(opts.Logger, "lease_service"),
	}
}

// Borrow creates one lease per proposal. A proposal naming an unknown or
// empty product, or one that cannot be stored, gets an error entry while
// the rest of the batch proceeds. Scope-ref leases carry no product.
func (s *LeaseService) Borrow(ctx context.Context, originRef string, req api.BorrowRequest) (resp *api.BorrowResponse, err error) {
	ctx, span, done := s.begin(ctx, "borrow", originRef)
	granted := 0
	defer func() { done(granted, err) }()

	proposals := req.LeaseProposalList
	fromScopes := len(proposals) == 0
	if fromScopes {
		// older clients only name the scope they want a lease for
		for range req.ScopeRefList {
			proposals = append(proposals, api.LeaseProposal{})
		}
	}
	if len(proposals) == 0 {
		return nil, apierrors.NewValidationErrors([]apierrors.ValidationError{{
			Field:   "lease_proposal_list",
			Message: "at least one lease proposal or scope_ref is required",
		}})
	}

	if err := s.store.EnsureOrigin(ctx, originRef); err != nil {
		return nil, fmt.Errorf("borrow for %s: %w", originRef, err)
	}

	now := s.opts.Now()
	expires := now.Add(s.instance.LeaseExpire)
	results := make([]api.LeaseResult, 0, len(proposals))
	refs := make([]string, 0, len(proposals))

	for i, p := range proposals {
		result := api.LeaseResult{Ordinal: i}

		var product products.Product
		if !fromScopes {
			var lookupErr error
			product, lookupErr = s.catalog.Lookup(p.Product.Name)
			if lookupErr != nil {
				s.logger.WarnContext(ctx, "lease proposal rejected",
					slog.String("origin_ref", originRef),
					slog.String("product", p.Product.Name))
				result.Error = &api.LeaseError{Code: api.LeaseErrorUnknownProduct, Message: lookupErr.Error()}
				results = append(results, result)
				continue
			}
		}

		lease := store.Lease{
			LeaseRef:  uuid.NewString(),
			OriginRef: originRef,
			Created:   now,
			Updated:   now,
			Expires:   expires,
		}
		if err := s.store.CreateLease(ctx, lease); err != nil {
			s.logger.ErrorContext(ctx, "store lease failed",
				slog.String("origin_ref", originRef),
				slog.String("error", err.Error()))
			infrastructure.RecordError(ctx, err)
			result.Error = &api.LeaseError{Code: api.LeaseErrorInternal, Message: "lease could not be stored"}
			results = append(results, result)
			continue
		}

		result.Lease = &api.Lease{
			Created:                 api.NewTimestamp(now),
			Expires:                 api.NewTimestamp(expires),
			FeatureName:             product.Feature,
			LicenseType:             config.LicenseType,
			OfflineLease:            s.instance.OfflineLease,
			ProductName:             product.Name,
			RecommendedLeaseRenewal: s.instance.LeaseRenewalPeriod,
			Ref:                     lease.LeaseRef,
		}
		results = append(results, result)
		refs = append(refs, lease.LeaseRef)
	}
	granted = len(refs)
	span.SetAttributes(attribute.Int("leases.granted", granted), attribute.Int("leases.requested", len(proposals)))

	s.logger.InfoContext(ctx, "leases borrowed",
		slog.String("origin_ref", originRef),
		slog.Int("granted", granted),
		slog.Int("requested", len(proposals)))
	if granted > 0 {
		s.opts.Events.Publish(ctx, events.MessageTypeLeaseCreated, events.LeaseEvent{
			OriginRef: originRef,
			LeaseRefs: refs,
			Expires:   &expires,
		})
	}

	return &api.BorrowResponse{
		ClientChallenge: req.ClientChallenge,
		LeaseResultList: results,
		ResultCode:      resultCode(granted, len(proposals)),
		SyncTimestamp:   api.NewTimestamp(now),
	}, nil
}

func resultCode(granted, requested int) string {
	switch granted {
	case requested:
		return api.ResultCodeSuccess
	case 0:
		return api.ResultCodeFailure
	default:
		return api.ResultCodePartial
	}
}

// ListActive returns the refs of every stored lease of the origin.
func (s *LeaseService) ListActive(ctx context.Context, originRef string) (resp *api.ActiveLeasesResponse, err error) {
	ctx, _, done := s.begin(ctx, "list", originRef)
	defer func() { done(0, err) }()

	leases, err := s.store.ListLeases(ctx, originRef)
	if err != nil {
		return nil, fmt.Errorf("list leases of %s: %w", originRef, err)
	}
	refs := make([]string, 0, len(leases))
	for _, l := range leases {
		refs = append(refs, l.LeaseRef)
	}

	s.logger.DebugContext(ctx, "active leases listed", slog.String("origin_ref", originRef), slog.Int("count", len(refs)))
	return &api.ActiveLeasesResponse{
		ActiveLeaseList: refs,
		SyncTimestamp:   api.NewTimestamp(s.opts.Now()),
	}, nil
}

// Renew resets the full expiry window from now. Early and late renewals
// are both accepted.
func (s *LeaseService) Renew(ctx context.Context, originRef, leaseRef, clientChallenge string) (resp *api.RenewResponse, err error) {
	ctx, span, done := s.begin(ctx, "renew", originRef)
	renewed := 0
	defer func() { done(renewed, err) }()
	span.SetAttributes(attribute.String("lease_ref", leaseRef))

	now := s.opts.Now()
	lease, err := s.store.RenewLease(ctx, originRef, leaseRef, now, now.Add(s.instance.LeaseExpire))
	if err != nil {
		return nil, err
	}
	renewed = 1

	s.logger.InfoContext(ctx, "lease renewed",
		slog.String("origin_ref", originRef),
		slog.String("lease_ref", leaseRef),
		slog.Time("expires", lease.Expires))
	s.opts.Events.Publish(ctx, events.MessageTypeLeaseRenewed, events.LeaseEvent{
		OriginRef: originRef,
		LeaseRefs: []string{leaseRef},
		Expires:   &lease.Expires,
	})

	return &api.RenewResponse{
		ClientChallenge:         clientChallenge,
		Expires:                 api.NewTimestamp(lease.Expires),
		LeaseRef:                lease.LeaseRef,
		OfflineLease:            s.instance.OfflineLease,
		RecommendedLeaseRenewal: s.instance.LeaseRenewalPeriod,
		SyncTimestamp:           api.NewTimestamp(now),
	}, nil
}

// Return deletes one lease of the origin.
func (s *LeaseService) Return(ctx context.Context, originRef, leaseRef, clientChallenge string) (resp *api.ReturnResponse, err error) {
	ctx, span, done := s.begin(ctx, "return", originRef)
	returned := 0
	defer func() { done(returned, err) }()
	span.SetAttributes(attribute.String("lease_ref", leaseRef))

	if err := s.store.DeleteLease(ctx, originRef, leaseRef); err != nil {
		return nil, err
	}
	returned = 1

	s.logger.InfoContext(ctx, "lease returned",
		slog.String("origin_ref", originRef),
		slog.String("lease_ref", leaseRef))
	s.opts.Events.Publish(ctx, events.MessageTypeLeaseReturned, events.LeaseEvent{
		OriginRef: originRef,
		LeaseRefs: []string{leaseRef},
	})

	return &api.ReturnResponse{
		ClientChallenge: clientChallenge,
		LeaseRef:        leaseRef,
		SyncTimestamp:   api.NewTimestamp(s.opts.Now()),
	}, nil
}

// ReleaseAll deletes every lease of the origin.
func (s *LeaseService) ReleaseAll(ctx context.Context, originRef, clientChallenge string) (resp *api.ReleaseResponse, err error) {
	ctx, _, done := s.begin(ctx, "release", originRef)
	released := 0
	defer func() { done(released, err) }()

	refs, err := s.store.DeleteLeasesByOrigin(ctx, originRef)
	if err != nil {
		return nil, fmt.Errorf("release leases of %s: %w", originRef, err)
	}
	if refs == nil {
		refs = []string{}
	}
	released = len(refs)

	s.logger.InfoContext(ctx, "leases released",
		slog.String("origin_ref", originRef),
		slog.Int("count", released))
	if released > 0 {
		s.opts.Events.Publish(ctx, events.MessageTypeLeaseReleased, events.LeaseEvent{
			OriginRef: originRef,
			LeaseRefs: refs,
		})
	}

	return &api.ReleaseResponse{
		ClientChallenge:   clientChallenge,
		ReleasedLeaseList: refs,
		SyncTimestamp:     api.NewTimestamp(s.opts.Now()),
	}, nil
}

// Shutdown releases every lease of the origin named by a token passed in
// the request body.
func (s *LeaseService) Shutdown(ctx context.Context, rawToken string) (*api.ReleaseResponse, error) {
	originRef, err := verifyAccessToken(s.codec, rawToken)
	if err != nil {
		s.logger.WarnContext(ctx, "shutdown token rejected", slog.String("error", err.Error()))
		return nil, err
	}
	return s.ReleaseAll(ctx, originRef, "")
}

// ExpireSweep deletes every lease with lease_expires <= now and returns the
// removed refs.
func (s *LeaseService) ExpireSweep(ctx context.Context) (refs []string, err error) {
	ctx, _, done := s.begin(ctx, "expire", "")
	defer func() { done(len(refs), err) }()

	now := s.opts.Now()
	refs, err = s.store.DeleteExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("sweep expired leases: %w", err)
	}

	if len(refs) > 0 {
		s.logger.InfoContext(ctx, "expired leases removed", slog.Int("count", len(refs)))
		s.opts.Events.Publish(ctx, events.MessageTypeLeaseExpired, events.LeaseEvent{LeaseRefs: refs})
	}
	return refs, nil
}

// RunSweeper calls ExpireSweep every interval until ctx is done. Sweep
// failures are logged and retried on the next tick.
func (s *LeaseService) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	s.logger.InfoContext(ctx, "expiry sweeper started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			sweepCtx := infrastructure.EnsureTraceID(ctx)
			if _, err := s.ExpireSweep(sweepCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.ErrorContext(sweepCtx, "expiry sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// begin opens a span for op and returns the func that closes it and
// records metrics.
func (s *LeaseService) begin(ctx context.Context, op, originRef string) (context.Context, trace.Span, func(int, error)) {
	attrs := []attribute.KeyValue{attribute.String("lease.operation", op)}
	if originRef != "" {
		attrs = append(attrs, attribute.String("origin_ref", originRef))
	}
	ctx, span := s.opts.Tracer.Start(ctx, "lease."+op, trace.WithAttributes(attrs...))
	start := time.Now()

	return ctx, span, func(leases int, err error) {
		if err != nil {
			infrastructure.RecordError(ctx, err)
		}
		s.opts.Metrics.RecordLeaseOperation(ctx, op, leases, time.Since(start), err)
		span.End()
	}
}

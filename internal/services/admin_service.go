package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"fastdls/internal/config"
	apierrors "fastdls/internal/errors"
	"fastdls/internal/pki"
	"fastdls/internal/store"
	"fastdls/internal/token"
	api "fastdls/pkg/contracts/api/v1"
	"fastdls/pkg/contracts/events"
)

// ClientTokenFilenameLayout formats the attachment name of a client token.
const ClientTokenFilenameLayout = "02-01-06-15-04-05"

const keyRetentionMode = "LATEST_ONLY"

// AdminService serves the management surface and the instance
// configuration tokens.
type AdminService struct {
	store    store.Store
	codec    *token.Codec
	identity Identity
	cfg      *config.Config
	opts     Options
	logger   *slog.Logger
	started  time.Time
}

// NewAdminService creates an admin service.
func NewAdminService(st store.Store, codec *token.Codec, identity Identity, cfg *config.Config, opts Options) *AdminService {
	opts = opts.withDefaults()
	return &AdminService{
		store:    st,
		codec:    codec,
		identity: identity,
		cfg:      cfg,
		opts:     opts,
		logger:   opts.Logger.With(slog.String("component", "admin_service")),
		started:  opts.Now(),
	}
}

// Health pings the store.
func (s *AdminService) Health(ctx context.Context) (*api.HealthResponse, bool) {
	now := s.opts.Now()
	resp := &api.HealthResponse{
		Status:    "up",
		Version:   config.AppVersion,
		Uptime:    now.Sub(s.started).Round(time.Second).String(),
		Checks:    map[string]string{"database": "ok"},
		Timestamp: api.NewTimestamp(now),
	}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.ErrorContext(ctx, "store health check failed", slog.String("error", err.Error()))
		resp.Status = "down"
		resp.Checks["database"] = err.Error()
		return resp, false
	}
	return resp, true
}

// ConfigView reports the effective instance configuration.
func (s *AdminService) ConfigView() api.ConfigView {
	inst := s.identity.Instance
	return api.ConfigView{
		URL:                inst.URL,
		Port:               inst.Port,
		SiteKeyXID:         s.identity.KeyRef,
		InstanceRef:        inst.InstanceRef,
		AllotmentRef:       inst.AllotmentRef,
		TokenExpireDelta:   inst.TokenExpire.String(),
		LeaseExpireDelta:   inst.LeaseExpire.String(),
		LeaseRenewalPeriod: inst.LeaseRenewalPeriod,
		LeaseRenewalDelta:  inst.RenewalWindow().String(),
		CORSOrigins:        s.cfg.Security.AllowedOrigins,
		Database:           redactURL(s.cfg.Database.URL),
		SweepInterval:      s.cfg.Sweeper.Interval.String(),
	}
}

// ListOrigins returns every origin, optionally with its leases.
func (s *AdminService) ListOrigins(ctx context.Context, withLeases bool) ([]api.OriginView, error) {
	origins, err := s.store.ListOrigins(ctx)
	if err != nil {
		return nil, fmt.Errorf("list origins: %w", err)
	}

	views := make([]api.OriginView, 0, len(origins))
	for _, o := range origins {
		view := originView(o)
		if withLeases {
			leases, err := s.store.ListLeases(ctx, o.OriginRef)
			if err != nil {
				return nil, fmt.Errorf("list leases of %s: %w", o.OriginRef, err)
			}
			view.Leases = make([]api.LeaseView, 0, len(leases))
			for _, l := range leases {
				view.Leases = append(view.Leases, s.leaseView(l))
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// DeleteOrigins removes every origin and, by cascade, every lease.
func (s *AdminService) DeleteOrigins(ctx context.Context) (int, error) {
	n, err := s.store.DeleteAllOrigins(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete origins: %w", err)
	}
	s.logger.WarnContext(ctx, "all origins deleted", slog.Int("count", n))
	s.opts.Events.Publish(ctx, events.MessageTypeOriginDeleted, events.OriginEvent{})
	return n, nil
}

// DeleteOrigin removes one origin and its leases.
func (s *AdminService) DeleteOrigin(ctx context.Context, originRef string) error {
	if err := s.store.DeleteOrigin(ctx, originRef); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "origin deleted", slog.String("origin_ref", originRef))
	s.opts.Events.Publish(ctx, events.MessageTypeOriginDeleted, events.OriginEvent{OriginRef: originRef})
	return nil
}

// ListLeases returns every lease, optionally with its origin.
func (s *AdminService) ListLeases(ctx context.Context, withOrigin bool) ([]api.LeaseView, error) {
	leases, err := s.store.ListAllLeases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}

	views := make([]api.LeaseView, 0, len(leases))
	for _, l := range leases {
		view := s.leaseView(l)
		if withOrigin {
			o, err := s.store.GetOrigin(ctx, l.OriginRef)
			switch {
			case err == nil:
				ov := originView(*o)
				view.Origin = &ov
			case !errors.Is(err, apierrors.ErrOriginNotFound):
				return nil, fmt.Errorf("get origin %s: %w", l.OriginRef, err)
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// DeleteLease removes a lease regardless of its owner.
func (s *AdminService) DeleteLease(ctx context.Context, leaseRef string) error {
	if err := s.store.DeleteLeaseByRef(ctx, leaseRef); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "lease deleted", slog.String("lease_ref", leaseRef))
	s.opts.Events.Publish(ctx, events.MessageTypeLeaseDeleted, events.LeaseEvent{LeaseRefs: []string{leaseRef}})
	return nil
}

// ClientToken signs a new client configuration token and returns it with
// the file name it should be saved under.
func (s *AdminService) ClientToken(ctx context.Context) (filename, signed string, err error) {
	inst := s.identity.Instance
	now := s.opts.Now()

	claims := &token.ClientTokenClaims{
		Standard: token.Standard{
			ID:        uuid.NewString(),
			Issuer:    config.ClientTokenIssuer,
			Audience:  config.ClientTokenAudience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.AddDate(inst.ClientTokenYears, 0, 0)),
		},
		UpdateMode:              "ABSOLUTE",
		ScopeRefList:            []string{inst.AllotmentRef},
		FulfillmentClassRefList: []string{},
		ServiceInstanceConfiguration: token.ServiceInstanceConfiguration{
			NLSServiceInstanceRef: inst.InstanceRef,
			SvcPortSetList: []token.SvcPortSet{{
				Idx:   0,
				DName: config.ServiceName,
				SvcPortMap: []token.SvcPortMapEntry{
					{Service: "auth", Port: inst.Port},
					{Service: "lease", Port: inst.Port},
				},
			}},
			NodeURLList: []token.NodeURL{{Idx: 0, URL: inst.URL, URLQr: inst.URL, SvcPortSetIdx: 0}},
		},
		ServiceInstancePublicKeyConfiguration: s.publicKeyConfiguration(),
	}

	signed, err = s.codec.Sign(claims, "")
	if err != nil {
		return "", "", err
	}
	filename = fmt.Sprintf("client_configuration_token_%s.tok", now.Format(ClientTokenFilenameLayout))

	s.logger.InfoContext(ctx, "client token issued",
		slog.String("jti", claims.ID),
		slog.Time("expires", claims.ExpiresAt.Time))
	return filename, signed, nil
}

// ConfigToken returns the certificate chain of the instance together with
// a token binding the requested service instance to the signing key. The
// token is signed with the key the leaf certificate binds; its kid is
// derived from that key and the service instance ref.
func (s *AdminService) ConfigToken(ctx context.Context, req api.ConfigTokenRequest) (*api.ConfigTokenResponse, error) {
	chain := s.identity.Chain
	if chain == nil {
		return nil, fmt.Errorf("certificate chain not loaded")
	}
	leafKey, ok := chain.LeafKey()
	if !ok || !leafKey.Equal(s.identity.Keys.Public) {
		return nil, fmt.Errorf("certificate chain is not bound to the instance key")
	}
	// each service instance sees its own kid for the leaf key
	kid, err := pki.DeriveKeyRef(req.ServiceInstanceRef, leafKey)
	if err != nil {
		return nil, err
	}
	now := s.opts.Now()

	claims := &token.ConfigTokenClaims{
		Standard: token.Standard{
			Issuer:    config.ClientTokenIssuer,
			Audience:  config.ClientTokenAudience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.AddDate(s.identity.Instance.ClientTokenYears, 0, 0)),
		},
		ProtocolVersion:                       config.ProtocolVersion,
		DName:                                 config.ServiceName,
		ServiceInstanceRef:                    req.ServiceInstanceRef,
		ServiceInstancePublicKeyConfiguration: s.publicKeyConfiguration(),
	}
	signed, err := s.codec.Sign(claims, kid)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "config token issued",
		slog.String("service_instance_ref", req.ServiceInstanceRef),
		slog.String("kid", kid))
	return &api.ConfigTokenResponse{
		CertificateConfiguration: api.CertificateConfiguration{
			CAChain:    []string{chain.CAChainPEM()},
			PublicCert: chain.LeafPEM(),
			PublicKey: api.PublicKey{
				Exp: s.identity.Keys.Exponent(),
				Mod: []string{s.identity.Keys.ModulusHex()},
			},
		},
		ConfigToken: signed,
	}, nil
}

func (s *AdminService) publicKeyConfiguration() token.PublicKeyConfiguration {
	return token.PublicKeyConfiguration{
		ServiceInstancePublicKeyMe: token.PublicKeyMe{
			Mod: s.identity.Keys.ModulusHex(),
			Exp: s.identity.Keys.Exponent(),
		},
		ServiceInstancePublicKeyPEM: string(s.identity.Keys.PublicPEM()),
		KeyRetentionMode:            keyRetentionMode,
	}
}

func (s *AdminService) leaseView(l store.Lease) api.LeaseView {
	return api.LeaseView{
		LeaseRef:     l.LeaseRef,
		OriginRef:    l.OriginRef,
		LeaseCreated: api.NewTimestamp(l.Created),
		LeaseExpires: api.NewTimestamp(l.Expires),
		LeaseUpdated: api.NewTimestamp(l.Updated),
		LeaseRenewal: api.NewTimestamp(l.RenewalAt(s.identity.Instance.RenewalWindow())),
	}
}

func originView(o store.Origin) api.OriginView {
	return api.OriginView{
		OriginRef:          o.OriginRef,
		Hostname:           o.Hostname,
		GuestDriverVersion: o.GuestDriverVersion,
		OSPlatform:         o.OSPlatform,
		OSVersion:          o.OSVersion,
	}
}

// redactURL hides the password of a database URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fastdls/internal/config"
	"fastdls/internal/pki"
	"fastdls/internal/products"
	"fastdls/internal/shared/testutil"
	"fastdls/internal/store"
	"fastdls/internal/token"
	api "fastdls/pkg/contracts/api/v1"
	"fastdls/pkg/contracts/events"
)

const (
	originA  = "0f6c3b9e-4c1d-4c55-9b4e-1c0b1b1a0001"
	originB  = "0f6c3b9e-4c1d-4c55-9b4e-1c0b1b1a0002"
	verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

	productVWS  = "NVIDIA RTX Virtual Workstation"
	productVPC  = "NVIDIA Virtual PC"
	featureVWS  = "Quadro-Virtual-DWS"
	featureVPC  = "GRID-Virtual-PC"
	testKeyRef  = "00000000-0000-0000-0000-00000000abcd"
	unknownName = "NVIDIA Teleporter"
)

var start = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type published struct {
	Type events.MessageType
	Data interface{}
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *recordingPublisher) Publish(_ context.Context, t events.MessageType, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{Type: t, Data: data})
}

func (p *recordingPublisher) types() []events.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.MessageType, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.Type)
	}
	return out
}

type fixture struct {
	clock     *testutil.Clock
	store     store.Store
	codec     *token.Codec
	identity  Identity
	events    *recordingPublisher
	handshake *HandshakeService
	leases    *LeaseService
	admin     *AdminService
	cfg       *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger, _ := testutil.NewTestLogger(t)
	clock := testutil.NewClock(start)

	st, err := store.NewMemoryStore(logger)
	require.NoError(t, err)

	keys := pki.NewKeyPair(testutil.RSAKey(t))
	codec := token.NewCodec(keys, clock.Now)

	cfg := config.Default()
	cfg.Instance.URL = "dls.example.internal"
	cfg.Security.AllowedOrigins = []string{"https://dls.example.internal"}

	identity := Identity{Instance: cfg.Instance, KeyRef: testKeyRef, Keys: keys}
	pub := &recordingPublisher{}
	opts := Options{Logger: logger, Events: pub, Now: clock.Now}

	return &fixture{
		clock:     clock,
		store:     st,
		codec:     codec,
		identity:  identity,
		events:    pub,
		handshake: NewHandshakeService(st, codec, identity, opts),
		leases:    NewLeaseService(st, products.Default(), codec, cfg.Instance, opts),
		admin:     NewAdminService(st, codec, identity, cfg, opts),
		cfg:       cfg,
	}
}

// authenticate runs the full handshake for originRef and returns its bearer
// token.
func (f *fixture) authenticate(t *testing.T, originRef string) string {
	t.Helper()
	ctx := context.Background()

	_, err := f.handshake.RegisterOrigin(ctx, api.OriginRequest{
		CandidateOriginRef: originRef,
		Environment:        []byte(`{"hostname":"vm-` + originRef[len(originRef)-4:] + `","guest_driver_version":"550.54.14","os_platform":"Ubuntu","os_version":"22.04"}`),
	})
	require.NoError(t, err)

	code, err := f.handshake.IssueCode(ctx, api.CodeRequest{OriginRef: originRef, CodeChallenge: ChallengeFor(verifier)})
	require.NoError(t, err)

	tok, err := f.handshake.ExchangeCode(ctx, api.TokenRequest{AuthCode: code.AuthCode, CodeVerifier: verifier})
	require.NoError(t, err)
	return tok.AuthToken
}

func (f *fixture) borrow(t *testing.T, originRef string, names ...string) []string {
	t.Helper()
	req := api.BorrowRequest{ClientChallenge: "challenge"}
	for _, n := range names {
		req.LeaseProposalList = append(req.LeaseProposalList, api.LeaseProposal{Product: api.ProductRef{Name: n}})
	}
	resp, err := f.leases.Borrow(context.Background(), originRef, req)
	require.NoError(t, err)

	refs := make([]string, 0, len(resp.LeaseResultList))
	for _, r := range resp.LeaseResultList {
		if r.Lease != nil {
			refs = append(refs, r.Lease.Ref)
		}
	}
	return refs
}

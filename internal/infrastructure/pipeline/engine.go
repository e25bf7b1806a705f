// Package pipeline orchestrates the four-stage request/response transform
// per routed target: LLMSwitch → Compatibility → Workflow → Provider on the
// way out and the exact reverse on the way back. The engine owns retry and
// failover policy; the stages only report typed errors.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/domain/entity"
	"github.com/routecodex/routecodex/internal/infrastructure/compat"
	"github.com/routecodex/routecodex/internal/infrastructure/config"
	"github.com/routecodex/routecodex/internal/infrastructure/llmswitch"
	"github.com/routecodex/routecodex/internal/infrastructure/router"
	"github.com/routecodex/routecodex/internal/infrastructure/snapshot"
	"github.com/routecodex/routecodex/internal/infrastructure/toolgov"
	"github.com/routecodex/routecodex/internal/infrastructure/transport"
	"github.com/routecodex/routecodex/internal/infrastructure/vault"
	"github.com/routecodex/routecodex/internal/infrastructure/workflow"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// Engine drives requests through the pipeline.
type Engine struct {
	providers func() map[string]config.ProviderConfig
	pcfg      config.PipelineConfig
	ua        config.UserAgentConfig

	router *router.Router
	vault  *vault.Vault
	client *transport.Client
	rates  *transport.RateTable
	flow   *workflow.Workflow
	gov    *toolgov.Normalizer
	sink   *snapshot.Sink

	slots   *SlotTable
	pending *PendingTable

	logger *zap.Logger
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Providers func() map[string]config.ProviderConfig
	Pipeline  config.PipelineConfig
	UserAgent config.UserAgentConfig
	Router    *router.Router
	Vault     *vault.Vault
	Client    *transport.Client
	Rates     *transport.RateTable
	Flow      *workflow.Workflow
	Gov       *toolgov.Normalizer
	Sink      *snapshot.Sink
	Logger    *zap.Logger
}

// NewEngine assembles the engine.
func NewEngine(d Deps) *Engine {
	return &Engine{
		providers: d.Providers,
		pcfg:      d.Pipeline,
		ua:        d.UserAgent,
		router:    d.Router,
		vault:     d.Vault,
		client:    d.Client,
		rates:     d.Rates,
		flow:      d.Flow,
		gov:       d.Gov,
		sink:      d.Sink,
		slots:     NewSlotTable(),
		pending:   NewPendingTable(d.Pipeline.MaxPendingToolLoops, d.Pipeline.PendingToolTTL),
		logger:    d.Logger.With(zap.String("component", "pipeline-engine")),
	}
}

// Pending exposes the tool-loop table (for lifecycle and tests).
func (e *Engine) Pending() *PendingTable { return e.pending }

// Slots exposes the slot table (for lifecycle GC).
func (e *Engine) Slots() *SlotTable { return e.slots }

// Execute runs one request end to end. For streaming requests frames go to
// out and the returned body is nil; for JSON requests the entry-protocol body
// is returned.
func (e *Engine) Execute(ctx context.Context, req *entity.Request, out workflow.StreamWriter) (entity.Object, error) {
	entryCodec, err := llmswitch.ForProtocol(req.EntryProtocol)
	if err != nil {
		return nil, gwerrors.NewInternal("entry protocol codec", err)
	}
	canonical, err := entryCodec.DecodeRequest(req.Body)
	if err != nil {
		return nil, gwerrors.NewBadRequest(err.Error())
	}

	decision, err := e.router.Decide(req)
	if err != nil {
		return nil, err
	}

	return e.run(ctx, req, decision.Targets, canonical, transport.SessionIdentity{}, out)
}

// run walks the failover ladder over the target list.
func (e *Engine) run(
	ctx context.Context,
	req *entity.Request,
	targets []entity.Target,
	canonical entity.Object,
	identity transport.SessionIdentity,
	out workflow.StreamWriter,
) (entity.Object, error) {
	limit := e.pcfg.FailoverLimit
	if limit <= 0 {
		limit = 2
	}

	var lastErr error
	attempts := 0
	for _, target := range targets {
		if attempts > limit {
			break
		}
		attempts++

		body, err := e.runTarget(ctx, req, target, canonical, identity, out)
		if err == nil {
			e.router.Health().MarkSuccess(target.Key())
			return body, nil
		}
		lastErr = err

		switch gwerrors.CodeOf(err) {
		case gwerrors.CodeToolShape, gwerrors.CodePolicyViolation,
			gwerrors.CodeBadRequest, gwerrors.CodeUpstreamRejected,
			gwerrors.CodeTimeout, gwerrors.CodeAuthError, gwerrors.CodeGatewayBusy:
			// Not retryable on another target.
			return nil, err

		case gwerrors.CodeRateLimited:
			if after, ok := gwerrors.RetryAfterOf(err); ok && after <= e.pcfg.RateRetryBudget {
				e.logger.Debug("Rate limited, honoring Retry-After on same target",
					zap.String("request_id", req.RequestID),
					zap.String("target", target.Key()),
					zap.Duration("retry_after", after),
				)
				select {
				case <-ctx.Done():
					return nil, gwerrors.NewTimeout("request cancelled during rate-limit wait")
				case <-time.After(after):
				}
				body, err = e.runTarget(ctx, req, target, canonical, identity, out)
				if err == nil {
					e.router.Health().MarkSuccess(target.Key())
					return body, nil
				}
				lastErr = err
			}
			// Second 429 (or no budget): degrade and move on.
			e.router.Health().MarkDegraded(target.Key())

		case gwerrors.CodeUpstreamTransient:
			e.router.Health().MarkFailure(target.Key())
			e.logger.Warn("Target failed, trying next alternative",
				zap.String("request_id", req.RequestID),
				zap.String("target", target.Key()),
				zap.Error(err),
			)

		default:
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = gwerrors.NewInternal("no targets attempted", nil)
	}
	return nil, lastErr
}

// runTarget executes the four stages against one target.
func (e *Engine) runTarget(
	ctx context.Context,
	req *entity.Request,
	target entity.Target,
	canonical entity.Object,
	identity transport.SessionIdentity,
	out workflow.StreamWriter,
) (entity.Object, error) {
	providerCfg, ok := e.providers()[target.ProviderID]
	if !ok {
		return nil, gwerrors.NewInternal("unknown provider "+target.ProviderID, nil)
	}
	providerProto := transport.ProtocolForType(providerCfg.Type)

	chain, err := llmswitch.NewChain(req.EntryProtocol, providerProto)
	if err != nil {
		return nil, gwerrors.NewInternal("build protocol chain", err)
	}

	// D_req: canonical → provider protocol, with the target model pinned.
	reqCanonical := entity.Clone(canonical)
	reqCanonical["model"] = target.ModelID
	upstreamStream := e.upstreamStreams(providerCfg, target.ModelID, req.Stream)
	reqCanonical["stream"] = upstreamStream

	providerBody, err := chain.Provider.EncodeRequest(reqCanonical)
	if err != nil {
		return nil, gwerrors.NewInternal("encode provider request", err)
	}
	if !upstreamStream {
		delete(providerBody, "stream")
	}

	// E_req: provider quirks.
	profile := compat.Get(target.CompatibilityProfile)
	providerBody, err = profile.ApplyRequest(providerBody)
	if err != nil {
		return nil, gwerrors.NewPolicyViolation(err.Error())
	}

	// H: credential, then the per-target slot keyed by the full triple.
	cred, err := e.vault.GetCredential(ctx, target.ProviderID)
	if err != nil {
		return nil, err
	}
	target.CredentialID = cred.ID
	slotKey := target.Key() + "." + cred.ID

	release, err := e.slots.Acquire(ctx, slotKey, e.pcfg.SlotWait)
	if err != nil {
		return nil, err
	}
	defer release()

	// Per-credential rate budget from the profile hint.
	if hint := profile.RateLimitHints; hint != nil {
		if err := e.rates.Wait(ctx, cred.ID, hint.RPM, hint.Burst); err != nil {
			return nil, err
		}
	}

	env, identity := transport.BuildEnvelope(
		providerCfg, providerBody, cred, req.RequestID, req.ClientHeaders,
		transport.UAMode(e.ua.Mode), identity, upstreamStream,
	)

	e.sink.Capture(req.RequestID, string(req.EntryProtocol), target.Key(), "provider-request", "req", providerBody)

	resp, err := e.client.Do(ctx, env)
	if gwerrors.IsAuthError(err) && cred.Type == "oauth" {
		// One refresh retry per request.
		refreshed, rerr := e.vault.Refresh(ctx, target.ProviderID, cred.ID)
		if rerr != nil {
			e.vault.MarkFailure(target.ProviderID, cred.ID, "refresh failed")
			return nil, rerr
		}
		env, identity = transport.BuildEnvelope(
			providerCfg, providerBody, refreshed, req.RequestID, req.ClientHeaders,
			transport.UAMode(e.ua.Mode), identity, upstreamStream,
		)
		resp, err = e.client.Do(ctx, env)
	}
	if err != nil {
		e.vault.MarkFailure(target.ProviderID, cred.ID, string(gwerrors.CodeOf(err)))
		return nil, err
	}
	e.vault.MarkSuccess(target.ProviderID, cred.ID)

	if resp.Events != nil {
		return e.finishStreaming(ctx, req, target, chain, canonical, identity, resp, out)
	}
	return e.finishBuffered(ctx, req, target, chain, profile, canonical, identity, resp, out)
}

// finishBuffered handles a JSON upstream response: E_resp → I → D_resp, then
// either plain JSON or synthesized SSE toward the client.
func (e *Engine) finishBuffered(
	ctx context.Context,
	req *entity.Request,
	target entity.Target,
	chain *llmswitch.Chain,
	profile *compat.Profile,
	canonical entity.Object,
	identity transport.SessionIdentity,
	resp *transport.Response,
	out workflow.StreamWriter,
) (entity.Object, error) {
	e.sink.Capture(req.RequestID, string(req.EntryProtocol), target.Key(), "provider", "resp", resp.Body)

	if err := profile.RewriteResponse(resp.Status, resp.Body); err != nil {
		return nil, err
	}

	canonicalResp, err := chain.Provider.DecodeResponse(resp.Body)
	if err != nil {
		return nil, gwerrors.NewUpstreamRejected(err.Error(), "invalid_response")
	}

	if err := e.gov.NormalizeResponse(req.RequestID, canonicalResp); err != nil {
		return nil, err
	}

	responseID := e.registerContinuation(req, target, canonical, canonicalResp, identity)
	if responseID != "" {
		canonicalResp["id"] = responseID
	}

	if req.Stream && out != nil {
		chain.EntryStreamState().ResponseID = responseID
		if err := e.flow.SynthesizeStream(ctx, chain, canonicalResp, out); err != nil {
			return nil, err
		}
		return nil, nil
	}

	entryBody, err := chain.Entry.EncodeResponse(canonicalResp)
	if err != nil {
		return nil, gwerrors.NewInternal("encode entry response", err)
	}
	e.sink.Capture(req.RequestID, string(req.EntryProtocol), target.Key(), "client", "resp", entryBody)
	return entryBody, nil
}

// finishStreaming handles an SSE upstream: pass-through relay or collection
// into JSON, then continuation registration for tool rounds.
func (e *Engine) finishStreaming(
	ctx context.Context,
	req *entity.Request,
	target entity.Target,
	chain *llmswitch.Chain,
	canonical entity.Object,
	identity transport.SessionIdentity,
	resp *transport.Response,
	out workflow.StreamWriter,
) (entity.Object, error) {
	if req.Stream && out != nil {
		if err := e.flow.RelayStream(ctx, chain, resp.Events, out); err != nil {
			return nil, err
		}
		e.registerStreamContinuation(req, target, chain, canonical, identity)
		e.sink.Capture(req.RequestID, string(req.EntryProtocol), target.Key(), "provider-stream", "resp",
			entity.Object{"finish_reason": chain.ProviderStreamState().FinishReason})
		return nil, nil
	}

	canonicalResp, err := e.flow.CollectStream(ctx, chain, resp.Events)
	if err != nil {
		return nil, err
	}
	if err := e.gov.NormalizeResponse(req.RequestID, canonicalResp); err != nil {
		return nil, err
	}
	if responseID := e.registerContinuation(req, target, canonical, canonicalResp, identity); responseID != "" {
		canonicalResp["id"] = responseID
	}
	entryBody, err := chain.Entry.EncodeResponse(canonicalResp)
	if err != nil {
		return nil, gwerrors.NewInternal("encode entry response", err)
	}
	e.sink.Capture(req.RequestID, string(req.EntryProtocol), target.Key(), "client", "resp", entryBody)
	return entryBody, nil
}

// upstreamStreams decides whether to ask the provider for SSE.
func (e *Engine) upstreamStreams(p config.ProviderConfig, modelID string, clientStream bool) bool {
	if mc, ok := p.Models[modelID]; ok && mc.NoStream {
		return false
	}
	return clientStream
}

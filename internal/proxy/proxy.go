package proxy

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nghyane/codex-mux/internal/account"
	"github.com/nghyane/codex-mux/internal/config"
	"github.com/nghyane/codex-mux/internal/ledger"
	log "github.com/nghyane/codex-mux/internal/logging"
	"github.com/nghyane/codex-mux/internal/resilience"
	"github.com/nghyane/codex-mux/internal/sticky"
	"github.com/nghyane/codex-mux/internal/upstream"
)

// Opener abstracts the upstream client for tests.
type Opener interface {
	Open(ctx context.Context, acct *account.Account, payload []byte) (*upstream.Stream, error)
}

// Request is one client request entering the proxy core.
type Request struct {
	// Payload is the upstream-shaped request body.
	Payload []byte
	// SessionKey is the affinity key, empty for unpinned requests.
	SessionKey string
}

// Result describes a stream that reached a terminal state.
type Result struct {
	AccountID string
	Attempts  int
	Usage     *upstream.Usage
	// Status is completed, incomplete or cancelled.
	Status string
}

// Outcome is the final word on a request: exactly one of Result or Failure
// is meaningful.
type Outcome struct {
	Result  Result
	Failure *Failure
}

// Run is one in-flight proxied stream. Events delivers upstream events in
// order; it is unbuffered, so the producer stalls while the consumer is busy
// writing to the client instead of buffering unbounded output.
type Run struct {
	Events  <-chan upstream.Event
	outcome Outcome
	done    chan struct{}
}

// Outcome blocks until the stream finished and returns the final outcome.
func (r *Run) Outcome() Outcome {
	<-r.done
	return r.outcome
}

// Proxy drives the Selecting -> Connecting -> Streaming state machine with
// bounded retry across re-selected accounts.
type Proxy struct {
	router *sticky.Router
	pool   *account.Pool
	ledger *ledger.Ledger
	client Opener

	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration

	breakers sync.Map // account id -> *gobreaker.CircuitBreaker
}

// New builds the proxy core.
func New(router *sticky.Router, pool *account.Pool, ldg *ledger.Ledger, client Opener, routing config.RoutingConfig) *Proxy {
	return &Proxy{
		router:      router,
		pool:        pool,
		ledger:      ldg,
		client:      client,
		maxRetries:  routing.MaxRetries,
		backoffBase: routing.BackoffBase,
		backoffMax:  routing.BackoffMax,
	}
}

// Stream starts a proxied stream. The caller must drain Events before
// reading the outcome.
func (p *Proxy) Stream(ctx context.Context, req Request) *Run {
	events := make(chan upstream.Event)
	run := &Run{Events: events, done: make(chan struct{})}
	go func() {
		defer close(run.done)
		defer close(events)
		run.outcome = p.run(ctx, req, events)
	}()
	return run
}

func (p *Proxy) run(ctx context.Context, req Request, out chan<- upstream.Event) Outcome {
	tried := make(map[string]struct{}, p.maxRetries+1)
	var lastFailure *Failure

	for attemptNo := 0; ; attemptNo++ {
		// Selecting: sticky resolution on the first attempt, fresh pool
		// selection excluding already-tried accounts afterwards. The
		// same account is never tried twice within one request.
		var acct *account.Account
		var err error
		if attemptNo == 0 {
			acct, err = p.router.Resolve(ctx, req.SessionKey)
		} else {
			acct, err = p.pool.Select(tried)
		}
		if err != nil {
			if lastFailure != nil {
				return Outcome{Failure: lastFailure}
			}
			return Outcome{Failure: &Failure{Kind: KindNoAccounts, Err: err}}
		}
		tried[acct.ID] = struct{}{}

		// Connecting.
		stream, err := p.open(ctx, acct, req.Payload)
		if err != nil {
			failure := Classify(err)
			p.applyFailureToLedger(acct.ID, failure)
			lastFailure = &failure
			log.Debugf("attempt %d on account %s failed: %s", attemptNo+1, acct.ID, failure.Kind)
			if !p.shouldRetry(ctx, failure, attemptNo) {
				p.recordTerminalFailure(ctx, acct.ID, failure)
				return Outcome{Failure: lastFailure}
			}
			_ = resilience.Wait(ctx, resilience.Backoff(attemptNo, p.backoffBase, p.backoffMax, p.backoffBase/2))
			continue
		}

		// Streaming.
		outcome, failure := p.pump(ctx, stream, out, acct, attemptNo, req.SessionKey)
		stream.Close()
		if outcome != nil {
			return *outcome
		}
		p.applyFailureToLedger(acct.ID, *failure)
		lastFailure = failure
		if !p.shouldRetry(ctx, *failure, attemptNo) {
			p.recordTerminalFailure(ctx, acct.ID, *failure)
			return Outcome{Failure: lastFailure}
		}
		_ = resilience.Wait(ctx, resilience.Backoff(attemptNo, p.backoffBase, p.backoffMax, p.backoffBase/2))
	}
}

func (p *Proxy) shouldRetry(ctx context.Context, failure Failure, attemptNo int) bool {
	return failure.Kind.Retryable() && attemptNo < p.maxRetries && ctx.Err() == nil
}

// open connects through the account's circuit breaker so an account that
// keeps failing stops being dialed even while still in rotation.
func (p *Proxy) open(ctx context.Context, acct *account.Account, payload []byte) (*upstream.Stream, error) {
	breaker := p.breaker(acct.ID)
	result, err := breaker.Execute(func() (any, error) {
		return p.client.Open(ctx, acct, payload)
	})
	if err != nil {
		return nil, err
	}
	return result.(*upstream.Stream), nil
}

func (p *Proxy) breaker(accountID string) *gobreaker.CircuitBreaker {
	if existing, ok := p.breakers.Load(accountID); ok {
		return existing.(*gobreaker.CircuitBreaker)
	}
	created := resilience.NewBreaker(resilience.DefaultBreakerConfig("upstream:" + accountID))
	actual, _ := p.breakers.LoadOrStore(accountID, created)
	return actual.(*gobreaker.CircuitBreaker)
}

// pump forwards events until the stream terminates. It returns a final
// outcome, or a nil outcome with a classified failure when the attempt may
// be retried. After the first event is handed to the consumer the stream is
// committed: no later failure can trigger a retry.
func (p *Proxy) pump(ctx context.Context, stream *upstream.Stream, out chan<- upstream.Event, acct *account.Account, attemptNo int, sessionKey string) (*Outcome, *Failure) {
	committed := false

	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Ended without a terminal event.
				if committed {
					return p.incompleteOutcome(ctx, acct, attemptNo, nil, err), nil
				}
				return nil, &Failure{Kind: KindTransportError, Err: err}
			}
			if ctx.Err() != nil {
				return p.cancelledOutcome(acct, attemptNo), nil
			}
			if committed {
				return p.incompleteOutcome(ctx, acct, attemptNo, nil, err), nil
			}
			return nil, &Failure{Kind: KindTransportError, Err: err}
		}

		if ev.Kind == upstream.KindFailed {
			if committed {
				return p.incompleteOutcome(ctx, acct, attemptNo, ev.Usage, errors.New(ev.Message)), nil
			}
			// Nothing forwarded yet: the failed event is held back and
			// the attempt retried on another account.
			return nil, &Failure{Kind: KindUpstreamUnavailable, Err: errors.New(ev.Message)}
		}

		select {
		case out <- ev:
			committed = true
		case <-ctx.Done():
			return p.cancelledOutcome(acct, attemptNo), nil
		}

		if ev.Terminal() {
			status := "completed"
			if ev.Kind == upstream.KindIncomplete {
				status = "incomplete"
			}
			p.recordUsage(ctx, acct.ID, ev.Usage, status)
			if attemptNo > 0 {
				p.router.Rebind(ctx, sessionKey, acct.ID)
			}
			return &Outcome{Result: Result{
				AccountID: acct.ID,
				Attempts:  attemptNo + 1,
				Usage:     ev.Usage,
				Status:    status,
			}}, nil
		}
	}
}

func (p *Proxy) incompleteOutcome(ctx context.Context, acct *account.Account, attemptNo int, usage *upstream.Usage, err error) *Outcome {
	p.recordUsage(ctx, acct.ID, usage, string(KindStreamIncomplete))
	return &Outcome{Failure: &Failure{Kind: KindStreamIncomplete, Err: err}}
}

func (p *Proxy) cancelledOutcome(acct *account.Account, attemptNo int) *Outcome {
	// Best effort only: without a terminal event there is no usage to
	// write, so nothing is recorded.
	return &Outcome{Result: Result{AccountID: acct.ID, Attempts: attemptNo + 1, Status: "cancelled"}}
}

func (p *Proxy) applyFailureToLedger(accountID string, failure Failure) {
	switch failure.Kind {
	case KindRateLimited:
		p.ledger.MarkRateLimited(accountID, failure.RetryAfter)
	case KindAuthExpired:
		// The credential provider rotates the token out-of-band and
		// flips the account back to healthy afterwards.
		p.ledger.MarkDisabled(accountID)
	}
}

// recordTerminalFailure writes a zero-usage record carrying the terminal
// classification so failed requests are visible in the aggregates.
func (p *Proxy) recordTerminalFailure(ctx context.Context, accountID string, failure Failure) {
	if err := p.ledger.RecordUsage(ctx, ledger.UsageRecord{
		AccountID: accountID,
		Status:    string(failure.Kind),
	}); err != nil {
		log.WithError(err).Warn("recording terminal failure")
	}
}

func (p *Proxy) recordUsage(ctx context.Context, accountID string, usage *upstream.Usage, status string) {
	rec := ledger.UsageRecord{AccountID: accountID, Status: status}
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
	}
	if err := p.ledger.RecordUsage(ctx, rec); err != nil {
		log.WithError(err).Warn("recording usage")
	}
}

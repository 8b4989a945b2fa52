package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/treasuryrun/internal/balancer"
	"github.com/sawpanic/treasuryrun/internal/chain"
	"github.com/sawpanic/treasuryrun/internal/keyed"
	"github.com/sawpanic/treasuryrun/internal/metrics"
	"github.com/sawpanic/treasuryrun/internal/persistence"
)

// Proposer submits a multisig proposal out-of-band and returns its handle.
// Advancing a proposed intent to submitted is the job of an external
// poller, not this engine.
type Proposer interface {
	Propose(ctx context.Context, it persistence.TransferIntent) (string, error)
}

// Config tunes retry and confirmation behavior.
type Config struct {
	IdemBucketSec        int64
	MaxBroadcastAttempts int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	ReceiptTimeout       time.Duration
	ReceiptPoll          time.Duration
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		IdemBucketSec:        DefaultIdemBucketSec,
		MaxBroadcastAttempts: 5,
		BackoffBase:          500 * time.Millisecond,
		BackoffMax:           30 * time.Second,
		ReceiptTimeout:       2 * time.Minute,
		ReceiptPoll:          3 * time.Second,
	}
}

// Engine drives the intent state machine. Per rule it holds one keyed
// lane, so a rule's intents are processed strictly one at a time while
// different rules run in parallel.
type Engine struct {
	intents  persistence.IntentStore
	chain    chain.Client
	proposer Proposer
	lanes    *keyed.Serializer
	heads    <-chan uint64
	metrics  *metrics.Registry
	cfg      Config
}

func New(intents persistence.IntentStore, chainClient chain.Client, m *metrics.Registry, cfg Config) *Engine {
	if cfg.IdemBucketSec <= 0 {
		cfg.IdemBucketSec = DefaultIdemBucketSec
	}
	return &Engine{
		intents: intents,
		chain:   chainClient,
		lanes:   keyed.NewSerializer(),
		metrics: m,
		cfg:     cfg,
	}
}

// SetProposer wires the multisig plug-in point.
func (e *Engine) SetProposer(p Proposer) { e.proposer = p }

// SetHeads lets new-block notifications pace receipt polling.
func (e *Engine) SetHeads(heads <-chan uint64) { e.heads = heads }

// Handle plans and drives one signal. Calling it twice with the same
// signal re-attaches to the existing intent instead of creating a second
// one; the unique key makes the duplicate insert a no-op.
func (e *Engine) Handle(ctx context.Context, sig balancer.Signal) error {
	key := IdemKey(sig.RuleID, sig.FiredAt, e.cfg.IdemBucketSec, sig.AmountUnits, string(sig.Direction))

	return e.lanes.Do(ctx, sig.RuleID, func() error {
		inflight, err := e.intents.FindInFlightForRule(ctx, sig.RuleID)
		if err != nil {
			return fmt.Errorf("handle %s: %w", sig.RuleID, err)
		}
		if inflight != nil && inflight.IdemKey != key {
			// One in-flight intent per rule. Drive the existing one;
			// this signal re-fires on a later tick if still warranted.
			log.Info().Str("rule", sig.RuleID).Str("intent", inflight.IdemKey).
				Msg("rule busy, driving existing intent")
			return e.drive(ctx, inflight)
		}

		it := &persistence.TransferIntent{
			IdemKey:        key,
			RuleID:         sig.RuleID,
			TokenID:        sig.TokenID,
			ChainID:        sig.ChainID,
			PriceAtFire:    sig.PriceAtFire,
			DecimalsAtFire: sig.DecimalsAtFire,
			FiredAt:        sig.FiredAt,
			AmountUnits:    sig.AmountUnits,
			From:           sig.From,
			To:             sig.To,
			TokenAddr:      sig.TokenAddr,
			Mode:           sig.Mode,
		}
		err = e.intents.InsertPlanned(ctx, it)
		switch {
		case err == nil:
			e.metrics.IntentTransitions.WithLabelValues(it.RuleID, string(persistence.StatusPlanned)).Inc()
			log.Info().Str("rule", it.RuleID).Str("intent", key).Msg("intent planned")
		case errors.Is(err, persistence.ErrDuplicateIntent):
			it, err = e.intents.FindByIdemKey(ctx, key)
			if err != nil {
				return fmt.Errorf("re-attach %s: %w", key, err)
			}
			log.Info().Str("rule", it.RuleID).Str("intent", key).
				Str("status", string(it.Status)).Msg("re-attached to existing intent")
		default:
			return fmt.Errorf("plan intent %s: %w", key, err)
		}

		return e.drive(ctx, it)
	})
}

// Recover re-drives every non-terminal intent. Called at startup and from
// the background reconciliation task.
func (e *Engine) Recover(ctx context.Context) error {
	pending, err := e.intents.NonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	for i := range pending {
		it := pending[i]
		err := e.lanes.Do(ctx, it.RuleID, func() error {
			return e.drive(ctx, &it)
		})
		if err != nil {
			log.Error().Err(err).Str("intent", it.IdemKey).Msg("recovery drive failed")
		}
	}
	return nil
}

// RunRecovery reconciles stuck intents on an interval until ctx ends.
func (e *Engine) RunRecovery(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Recover(ctx); err != nil {
				log.Error().Err(err).Msg("recovery sweep failed")
			}
		}
	}
}

func (e *Engine) drive(ctx context.Context, it *persistence.TransferIntent) error {
	switch it.Status {
	case persistence.StatusPlanned:
		switch it.Mode {
		case persistence.ModeDirectKey:
			return e.driveDirect(ctx, it)
		case persistence.ModeMultisigPropose, persistence.ModeMultisigExecute:
			return e.drivePropose(ctx, it)
		default:
			return fmt.Errorf("intent %s: unknown execution mode %q", it.IdemKey, it.Mode)
		}
	case persistence.StatusProposed:
		// Advanced by the external multisig poller, not by us.
		return nil
	case persistence.StatusSubmitted:
		return e.confirm(ctx, it)
	default:
		return nil // terminal
	}
}

// driveDirect broadcasts the transfer and persists Submitted with the tx
// hash before waiting on the receipt. Before broadcasting it checks the
// pending pool for a transaction from a previous pass that died between
// broadcast and persistence.
func (e *Engine) driveDirect(ctx context.Context, it *persistence.TransferIntent) error {
	t := transferOf(it)

	if hash, err := e.chain.PendingTransfer(ctx, t); err == nil && hash != "" {
		log.Warn().Str("intent", it.IdemKey).Str("tx", hash).
			Msg("found pending broadcast from a previous pass, adopting it")
		if err := e.setStatus(ctx, it, persistence.StatusSubmitted, hash, "", ""); err != nil {
			return err
		}
		return e.confirm(ctx, it)
	}

	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxBroadcastAttempts; attempt++ {
		if attempt > 0 {
			e.metrics.BroadcastRetries.WithLabelValues(it.RuleID).Inc()
			if err := sleepCtx(ctx, e.backoff(attempt)); err != nil {
				return err
			}
		}
		hash, err := e.chain.Broadcast(ctx, t)
		if err == nil {
			if err := e.setStatus(ctx, it, persistence.StatusSubmitted, hash, "", ""); err != nil {
				return err
			}
			return e.confirm(ctx, it)
		}
		if !chain.IsTransient(err) {
			e.metrics.ChainErrors.WithLabelValues("broadcast", "terminal").Inc()
			log.Error().Err(err).Str("intent", it.IdemKey).Msg("terminal broadcast failure")
			return e.setStatus(ctx, it, persistence.StatusMinedFailed, "", "", err.Error())
		}
		e.metrics.ChainErrors.WithLabelValues("broadcast", "transient").Inc()
		log.Warn().Err(err).Str("intent", it.IdemKey).Int("attempt", attempt+1).
			Msg("transient broadcast failure")
		lastErr = err
	}
	// Still Planned; the next recovery sweep retries from scratch.
	return fmt.Errorf("intent %s: broadcast attempts exhausted: %w", it.IdemKey, lastErr)
}

func (e *Engine) drivePropose(ctx context.Context, it *persistence.TransferIntent) error {
	if e.proposer == nil {
		return fmt.Errorf("intent %s: no multisig proposer configured", it.IdemKey)
	}
	handle, err := e.proposer.Propose(ctx, *it)
	if err != nil {
		return fmt.Errorf("intent %s: propose: %w", it.IdemKey, err)
	}
	return e.setStatus(ctx, it, persistence.StatusProposed, "", handle, "")
}

// confirm waits for the receipt, bounded by ReceiptTimeout. On timeout the
// intent stays Submitted and the background sweep picks it up again.
func (e *Engine) confirm(ctx context.Context, it *persistence.TransferIntent) error {
	deadline := time.Now().Add(e.cfg.ReceiptTimeout)
	for {
		rec, err := e.chain.Receipt(ctx, it.TxHash)
		if err == nil {
			status := persistence.StatusMinedSuccess
			cause := ""
			if !rec.Success {
				status = persistence.StatusMinedFailed
				cause = "transaction reverted"
			}
			return e.setStatus(ctx, it, status, "", "", cause)
		}
		if !errors.Is(err, chain.ErrReceiptNotYet) {
			e.metrics.ChainErrors.WithLabelValues("receipt", "transient").Inc()
			log.Debug().Err(err).Str("intent", it.IdemKey).Msg("receipt lookup failed")
		}
		if time.Now().After(deadline) {
			log.Warn().Str("intent", it.IdemKey).Str("tx", it.TxHash).
				Msg("receipt wait timed out, leaving intent submitted")
			return nil
		}
		if err := e.waitNextCheck(ctx); err != nil {
			return err
		}
	}
}

// waitNextCheck blocks until the next head arrives or the poll interval
// elapses, whichever is first. A closed head stream means the websocket
// dropped; receipt checks then pace on the poll timer alone.
func (e *Engine) waitNextCheck(ctx context.Context) error {
	timer := time.NewTimer(e.cfg.ReceiptPoll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case _, ok := <-e.heads:
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
}

func (e *Engine) setStatus(ctx context.Context, it *persistence.TransferIntent, status persistence.IntentStatus, txHash, proposalHash, cause string) error {
	if err := e.intents.UpdateStatus(ctx, it.IdemKey, status, txHash, proposalHash, cause); err != nil {
		return fmt.Errorf("intent %s -> %s: %w", it.IdemKey, status, err)
	}
	it.Status = status
	if txHash != "" {
		it.TxHash = txHash
	}
	if proposalHash != "" {
		it.ProposalHash = proposalHash
	}
	e.metrics.IntentTransitions.WithLabelValues(it.RuleID, string(status)).Inc()
	log.Info().Str("rule", it.RuleID).Str("intent", it.IdemKey).
		Str("status", string(status)).Str("tx", it.TxHash).
		Msg("intent transitioned")
	return nil
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.BackoffBase << uint(attempt-1)
	if d > e.cfg.BackoffMax || d <= 0 {
		return e.cfg.BackoffMax
	}
	return d
}

func transferOf(it *persistence.TransferIntent) chain.Transfer {
	return chain.Transfer{
		ChainID:   it.ChainID,
		From:      it.From,
		To:        it.To,
		TokenAddr: it.TokenAddr,
		Amount:    it.AmountUnits,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

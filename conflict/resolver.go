package conflict

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/warp/stock-ledger/stock"
)

// =============================================================================
// ACTIONS
// =============================================================================

type Action string

const (
	// ActionAdjust: the missing stock was found or received.
	ActionAdjust Action = "ADJUST"
	// ActionBackorder: the shortfall will be fulfilled later.
	ActionBackorder Action = "BACKORDER"
	// ActionRefund: the sale will not be fulfilled and is refunded.
	ActionRefund Action = "REFUND"
)

var actionReasons = map[Action]stock.ReasonCode{
	ActionAdjust:    stock.ReasonResolveAdjust,
	ActionBackorder: stock.ReasonResolveBackorder,
	ActionRefund:    stock.ReasonResolveRefund,
}

// Reason returns the corrective reason code for the action.
func (a Action) Reason() stock.ReasonCode { return actionReasons[a] }

func (a Action) Valid() bool {
	_, ok := actionReasons[a]
	return ok
}

// ParseAction accepts the action name in any case.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", &stock.InvalidMovementError{Field: "action", Reason: fmt.Sprintf("unknown resolution action %q", s)}
	}
	return a, nil
}

// ErrUnresolvedConflict marks an attempt to resolve a balance that is no
// longer negative. Resolve reports it as OutcomeAlreadyResolved, not as an
// error.
var ErrUnresolvedConflict = errors.New("conflict no longer open")

// =============================================================================
// RESOLUTION
// =============================================================================

// Resolution is a decision on one conflict.
type Resolution struct {
	Key    stock.BalanceKey
	Action Action

	// Quantity defaults to the live shortfall.
	Quantity int64

	// TransactionID makes the corrective write idempotent when set. Empty
	// means one derived from the observed balance and the key's newest seq,
	// so resolutions racing on the same state write once.
	TransactionID stock.TransactionID
	ReferenceDoc  string
	Actor         string
}

type Outcome string

const (
	OutcomeResolved        Outcome = "resolved"
	OutcomePartial         Outcome = "partially_resolved"
	OutcomeAlreadyResolved Outcome = "already_resolved"
)

// Result describes what Resolve did.
type Result struct {
	Outcome       Outcome
	TransactionID stock.TransactionID
	Before        int64
	After         int64
	References    []string // REFUND only
}

// =============================================================================
// RESOLVER
// =============================================================================

// Recorder is the write path. Satisfied by *stock.Writer.
type Recorder interface {
	Record(ctx context.Context, in stock.MovementInput) (stock.TransactionID, error)
}

// StockReader is satisfied by *stock.Aggregator.
type StockReader interface {
	CurrentStock(ctx context.Context, s stock.Scope) (int64, error)
}

var resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stock_conflict_resolutions_total",
	Help: "Conflict resolution attempts by action and outcome",
}, []string{"action", "outcome"})

// resolutionNamespace seeds derived corrective transaction ids.
var resolutionNamespace = uuid.MustParse("9b2e4c71-5a08-5f3d-b6e1-27c4d8a0f953")

// observeAttempts bounds how often Resolve re-reads a key whose newest seq
// moved while its balance was being read.
const observeAttempts = 3

// Resolver heals conflicts by writing one corrective movement.
type Resolver struct {
	Writer    Recorder
	Stock     StockReader
	Scanner   *Scanner       // for REFUND references; optional
	Movements MovementReader // newest seq for derived ids; optional
	Router    RefundRouter   // REFUND only; defaults to LogRouter
	Logger    zerolog.Logger
}

func NewResolver(writer Recorder, stockReader StockReader, scanner *Scanner, logger zerolog.Logger) *Resolver {
	r := &Resolver{
		Writer:  writer,
		Stock:   stockReader,
		Scanner: scanner,
		Router:  LogRouter{Logger: logger},
		Logger:  logger,
	}
	if scanner != nil {
		r.Movements = scanner.Movements
	}
	return r
}

// Resolve re-reads the live balance and writes the corrective movement.
// A balance that is already non-negative is a no-op success. If the write
// fails the error is returned and the conflict stays open for the next
// scan.
func (r *Resolver) Resolve(ctx context.Context, res Resolution) (Result, error) {
	if !res.Action.Valid() {
		return Result{}, &stock.InvalidMovementError{Field: "action", Reason: fmt.Sprintf("unknown resolution action %q", res.Action)}
	}
	if res.Key.ProductID == "" || res.Key.LocationID == "" {
		return Result{}, &stock.InvalidMovementError{Field: "key", Reason: "product and location are required"}
	}
	if res.Quantity < 0 {
		return Result{}, &stock.InvalidMovementError{Field: "quantity", Reason: "must be positive"}
	}

	before, seq, err := r.observe(ctx, res.Key)
	if errors.Is(err, ErrUnresolvedConflict) {
		resolutions.WithLabelValues(string(res.Action), string(OutcomeAlreadyResolved)).Inc()
		r.Logger.Info().
			Str("key", res.Key.String()).
			Int64("balance", before).
			Msg("conflict already resolved")
		return Result{Outcome: OutcomeAlreadyResolved, Before: before, After: before}, nil
	}
	if err != nil {
		return Result{}, err
	}

	qty := res.Quantity
	if qty == 0 {
		qty = -before
	}

	var refs []string
	if res.Action == ActionRefund && r.Scanner != nil {
		if refs, err = r.Scanner.References(ctx, res.Key, qty); err != nil {
			return Result{}, err
		}
	}

	ref := res.ReferenceDoc
	if ref == "" {
		ref = "conflict:" + res.Key.String()
	}
	txID := res.TransactionID
	if txID == "" && r.Movements != nil {
		txID = derivedID(res.Key, before, seq)
	}
	txID, err = r.Writer.Record(ctx, stock.MovementInput{
		TransactionID: txID,
		ProductID:     res.Key.ProductID,
		LocationID:    res.Key.LocationID,
		Variant:       res.Key.Variant,
		Delta:         qty,
		Reason:        res.Action.Reason(),
		ReferenceDoc:  ref,
		Actor:         res.Actor,
	})
	if stock.IsDuplicate(err) {
		return r.alreadyApplied(ctx, res, before, err)
	}
	if err != nil {
		resolutions.WithLabelValues(string(res.Action), "failed").Inc()
		return Result{}, fmt.Errorf("write %s correction for %s: %w", res.Action, res.Key, err)
	}

	after := before + qty
	outcome := OutcomeResolved
	if after < 0 {
		outcome = OutcomePartial
	}
	resolutions.WithLabelValues(string(res.Action), string(outcome)).Inc()

	if res.Action == ActionRefund {
		r.routeRefund(ctx, RefundRequest{
			Key:           res.Key,
			Quantity:      qty,
			References:    refs,
			TransactionID: txID,
		})
	}

	r.Logger.Info().
		Str("key", res.Key.String()).
		Str("action", string(res.Action)).
		Int64("quantity", qty).
		Int64("before", before).
		Int64("after", after).
		Str("transaction_id", string(txID)).
		Msg("conflict resolved")

	return Result{Outcome: outcome, TransactionID: txID, Before: before, After: after, References: refs}, nil
}

// observe returns the live balance together with the key's newest seq,
// read so that no movement of the key landed in between. It returns
// ErrUnresolvedConflict when the balance is not negative.
func (r *Resolver) observe(ctx context.Context, key stock.BalanceKey) (int64, int64, error) {
	var balance, seq int64
	for attempt := 0; attempt < observeAttempts; attempt++ {
		var err error
		if seq, err = r.newestSeq(ctx, key); err != nil {
			return 0, 0, err
		}
		if balance, err = r.balance(ctx, key); err != nil {
			return 0, 0, err
		}
		again, err := r.newestSeq(ctx, key)
		if err != nil {
			return 0, 0, err
		}
		if again == seq {
			break
		}
		seq = again
	}
	if balance >= 0 {
		return balance, seq, ErrUnresolvedConflict
	}
	return balance, seq, nil
}

func (r *Resolver) balance(ctx context.Context, key stock.BalanceKey) (int64, error) {
	balance, err := r.Stock.CurrentStock(ctx, stock.Scope{
		ProductID:  key.ProductID,
		LocationID: key.LocationID,
		Variant:    stock.VariantKey(key.Variant),
	})
	if err != nil {
		return 0, fmt.Errorf("read balance for %s: %w", key, err)
	}
	return balance, nil
}

func (r *Resolver) newestSeq(ctx context.Context, key stock.BalanceKey) (int64, error) {
	if r.Movements == nil {
		return 0, nil
	}
	ms, err := r.Movements.Movements(ctx, stock.Query{
		ProductID:  key.ProductID,
		LocationID: key.LocationID,
		Variant:    stock.VariantKey(key.Variant),
		Limit:      1,
		Descending: true,
	})
	if err != nil {
		return 0, fmt.Errorf("load newest movement for %s: %w", key, err)
	}
	if len(ms) == 0 {
		return 0, nil
	}
	return ms[0].Seq, nil
}

// derivedID names the correction of one observed state of a key. The
// action is left out: a BACKORDER and an ADJUST of the same state are the
// same correction.
func derivedID(key stock.BalanceKey, balance, seq int64) stock.TransactionID {
	name := fmt.Sprintf("%s|%s|%s|%d|%d", key.ProductID, key.LocationID, key.Variant, seq, balance)
	return stock.TransactionID(uuid.NewSHA1(resolutionNamespace, []byte(name)).String())
}

// alreadyApplied reports a correction whose transaction id is already in
// the ledger: another resolution of the same state won the race.
func (r *Resolver) alreadyApplied(ctx context.Context, res Resolution, before int64, dup error) (Result, error) {
	var dupErr *stock.DuplicateMovementError
	var txID stock.TransactionID
	if errors.As(dup, &dupErr) {
		txID = dupErr.TransactionID
	}
	after, err := r.balance(ctx, res.Key)
	if err != nil {
		return Result{}, err
	}
	resolutions.WithLabelValues(string(res.Action), string(OutcomeAlreadyResolved)).Inc()
	r.Logger.Info().
		Str("key", res.Key.String()).
		Str("action", string(res.Action)).
		Str("transaction_id", string(txID)).
		Int64("balance", after).
		Msg("correction already recorded")
	return Result{Outcome: OutcomeAlreadyResolved, TransactionID: txID, Before: before, After: after}, nil
}

func (r *Resolver) routeRefund(ctx context.Context, req RefundRequest) {
	router := r.Router
	if router == nil {
		router = LogRouter{Logger: r.Logger}
	}
	// The stock side is already healed; a router failure only needs a human.
	if err := router.RouteRefund(ctx, req); err != nil {
		r.Logger.Error().Err(err).
			Str("key", req.Key.String()).
			Strs("references", req.References).
			Msg("refund routing failed")
	}
}

// =============================================================================
// REFUND ROUTING
// =============================================================================

// RefundRequest tells the financial side which orders to refund.
type RefundRequest struct {
	Key           stock.BalanceKey
	Quantity      int64
	References    []string
	TransactionID stock.TransactionID
}

// RefundRouter hands refunds to whatever processes money.
type RefundRouter interface {
	RouteRefund(ctx context.Context, req RefundRequest) error
}

// LogRouter only logs the refund.
type LogRouter struct {
	Logger zerolog.Logger
}

func (l LogRouter) RouteRefund(_ context.Context, req RefundRequest) error {
	l.Logger.Warn().
		Str("key", req.Key.String()).
		Int64("quantity", req.Quantity).
		Strs("references", req.References).
		Msg("refund requested")
	return nil
}

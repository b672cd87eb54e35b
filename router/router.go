// Package router implements the per-friend pending-operation queues and the
// decisions about what to emit next: which queued operations make it into
// the next outgoing MoveToken, and where an inbound operation goes next
// (surfaced locally, forwarded onward, or bounced back as a Cancel). It
// plays the role htlcswitch.Switch plays for lnwallet.LightningChannel —
// tokenchannel is the pure per-link state machine, router is the
// multi-friend forwarding layer built on top of it (spec.md §4.3).
package router

import (
	"fmt"
	"sync"

	"github.com/davecgh/go-spew/spew"

	"github.com/creditmesh/tcd/creditwire"
	"github.com/creditmesh/tcd/identity"
	"github.com/creditmesh/tcd/tcdb"
	"github.com/creditmesh/tcd/tokenchannel"
)

// Config mirrors htlcswitch.Config: the fixed collaborators a Router is
// wired to at construction, each reachable only through its narrow
// interface.
type Config struct {
	// SelfKey identifies this node: its position on a request's route, the
	// reporting key of Cancels it issues, and the low/high comparison anchor
	// for each friend's genesis.
	SelfKey creditwire.PublicKey

	DB *tcdb.DB

	Signer   identity.Client
	Verifier identity.Verifier

	// MaxOperationsInBatch caps how many pending operations a single
	// collect_outgoing_move_token pass drains (spec.md §4.3 "Batching
	// cap"); the batch is never split mid-operation.
	MaxOperationsInBatch int

	// PaymentSink receives the terminal outcome of a payment this node
	// itself originated: a Response (success) or a Cancel (failure, with
	// the reporting hop) keyed by RequestID.
	PaymentSink PaymentSink

	// InvoiceSink receives a Request whose route terminates at this node.
	InvoiceSink InvoiceSink
}

// PaymentSink is the boundary to the local payment-origination layer.
type PaymentSink interface {
	Settled(id creditwire.RequestID, preimage [32]byte)
	Cancelled(id creditwire.RequestID, reportingKey creditwire.PublicKey)
}

// InvoiceSink is the boundary to the local invoice/receiving layer.
type InvoiceSink interface {
	Received(currency creditwire.Currency, req *creditwire.McRequest)
}

// FreezeLink is the DoS-mitigation annotation a forwarding hop attaches to a
// Request before enqueueing it onward (spec.md §4.3): it bounds how much of
// the downstream credit line this single request chain is allowed to
// consume, so one slow payment can't freeze an entire shared line.
type FreezeLink struct {
	SharedCredits creditwire.Uint128
	UsableRatio   creditwire.Uint128
}

// IndexMutationKind discriminates the two capacity-index updates a commit
// pass can emit.
type IndexMutationKind int

const (
	IndexRemoveFriendCurrency IndexMutationKind = iota
	IndexUpdateFriendCurrency
)

// IndexMutation is an external routing-index update emitted after a commit
// pass changes a currency's advertised receive capacity. The router itself
// has no index to maintain; this is the hand-off to whatever layer publishes
// capacity to peers (gossip, local cache, ...) — out of this package's
// scope, matching spec.md's "implementer may reorganize" note on persisted
// tables.
type IndexMutation struct {
	Kind         IndexMutationKind
	Remote       creditwire.PublicKey
	Currency     creditwire.Currency
	RecvCapacity creditwire.Uint128
}

// pendingOrigin records, for a RequestID this node forwarded onward, which
// upstream friend it came from (so a later Response/Cancel can be routed
// backwards) — nil upstream means the request originated locally.
type pendingOrigin struct {
	upstream *creditwire.PublicKey
}

// Router owns every friend's token channel plus the cross-friend
// request-origin index needed to route responses backwards.
type Router struct {
	cfg *Config

	mu          sync.Mutex
	friends     map[creditwire.PublicKey]*tokenchannel.TokenChannel
	origins     map[creditwire.RequestID]*pendingOrigin
	freezeLinks map[creditwire.RequestID]FreezeLink
}

// New constructs a Router. All Config fields must be non-nil, mirroring
// htlcswitch.New's contract.
func New(cfg *Config) *Router {
	if cfg.MaxOperationsInBatch <= 0 {
		cfg.MaxOperationsInBatch = 200
	}
	return &Router{
		cfg:         cfg,
		friends:     make(map[creditwire.PublicKey]*tokenchannel.TokenChannel),
		origins:     make(map[creditwire.RequestID]*pendingOrigin),
		freezeLinks: make(map[creditwire.RequestID]FreezeLink),
	}
}

// RegisterFriend attaches an in-memory token channel for a friend, loading
// its persisted state if this friend was already known to the DB.
func (r *Router) RegisterFriend(remote creditwire.PublicKey) (*tokenchannel.TokenChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tc, ok := r.friends[remote]; ok {
		return tc, nil
	}

	tc, err := r.cfg.DB.LoadTokenChannel(r.cfg.SelfKey, remote, r.cfg.Signer)
	switch err {
	case nil:
		r.friends[remote] = tc
		return tc, nil
	case tcdb.ErrFriendNotFound, tcdb.ErrNoFriends, tcdb.ErrMetaNotFound:
		if err := r.cfg.DB.AddFriend(remote); err != nil {
			return nil, err
		}
		tc = tokenchannel.New(r.cfg.SelfKey, remote, r.cfg.Signer)
		if err := r.cfg.DB.SaveTokenChannel(tc); err != nil {
			return nil, err
		}
		r.friends[remote] = tc
		return tc, nil
	default:
		return nil, err
	}
}

func (r *Router) friendLocked(remote creditwire.PublicKey) (*tokenchannel.TokenChannel, error) {
	tc, ok := r.friends[remote]
	if !ok {
		return nil, fmt.Errorf("router: friend %s not registered", remote)
	}
	return tc, nil
}

// preMoveToken is the pure collection-pass result (spec.md §4.3 step 4):
// nil if there is nothing to send.
type preMoveToken struct {
	ops         []creditwire.CurrencyOperation
	diff        []creditwire.Currency
	tokenWanted bool
}

// collectOutgoingMoveToken drains up to MaxOperationsInBatch items from
// remote's queues in priority order (backwards, user-requests, forwarded),
// with no DB mutation beyond the dequeues themselves.
func (r *Router) collectOutgoingMoveToken(remote creditwire.PublicKey) (*preMoveToken, error) {
	var ops []creditwire.CurrencyOperation
	cap := r.cfg.MaxOperationsInBatch
	moreLeft := false

	drain := func(kind tcdb.QueueKind) error {
		for len(ops) < cap {
			item, err := r.cfg.DB.PopFront(remote, kind)
			if err == tcdb.ErrQueueEmpty {
				return nil
			}
			if err != nil {
				return err
			}
			ops = append(ops, *item)
		}
		empty, err := r.cfg.DB.IsEmpty(remote, kind)
		if err != nil {
			return err
		}
		if !empty {
			moreLeft = true
		}
		return nil
	}

	for _, kind := range []tcdb.QueueKind{
		tcdb.QueueBackwards, tcdb.QueueUserRequests, tcdb.QueueForwardedRequests,
	} {
		if err := drain(kind); err != nil {
			return nil, err
		}
	}

	diff := r.desiredCurrenciesDiff(remote)

	if len(ops) == 0 && len(diff) == 0 {
		return nil, nil
	}

	return &preMoveToken{ops: ops, diff: diff, tokenWanted: moreLeft}, nil
}

// desiredCurrenciesDiff is a hook for the layer that decides which
// currencies should be locally active; absent a policy layer this router
// package doesn't own, it returns no diff (existing active set unchanged).
func (r *Router) desiredCurrenciesDiff(remote creditwire.PublicKey) []creditwire.Currency {
	return nil
}

// recvCapacity mirrors spec.md §4.3 commit-pass step 1/3:
// max(0, remote_max_debt - balance - remote_pending_debt).
func recvCapacity(st *tokenchannel.CurrencyState) creditwire.Uint128 {
	if st == nil || st.MC == nil {
		return creditwire.Uint128{}
	}
	used := st.MC.Balance.AddUint128(st.MC.RemotePendingDebt)
	remaining := creditwire.Int128FromParts(false, st.Limits.RemoteMaxDebt).Sub(used)
	if remaining.IsNeg() {
		return creditwire.Uint128{}
	}
	return remaining.Mag()
}

// CollectAndSend runs the full collect + commit pass for one friend: it
// drains pending queues, builds the outbound MoveToken, persists the
// result, and reports the capacity-index mutations the caller should
// publish (spec.md §4.3 "Commit pass"). The returned bool is tokenWanted:
// true if a queue still held more after this batch's cap, a signal the
// friend loop can use to immediately solicit another turn rather than
// waiting for the next externally-driven tick.
func (r *Router) CollectAndSend(remote creditwire.PublicKey) (*creditwire.MoveToken, []IndexMutation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tc, err := r.friendLocked(remote)
	if err != nil {
		return nil, nil, false, err
	}

	pre, err := r.collectOutgoingMoveToken(remote)
	if err != nil {
		return nil, nil, false, err
	}
	if pre == nil {
		return nil, nil, false, nil
	}
	log.Debugf("Collected outgoing batch for %s: %v", remote, spew.Sdump(pre))

	before := make(map[creditwire.Currency]creditwire.Uint128, len(tc.Currencies))
	for c, st := range tc.Currencies {
		before[c] = recvCapacity(st)
	}

	mt, rejected, err := tc.HandleOutMoveToken(pre.ops, pre.diff)
	if err != nil {
		// Requeue everything we drained so the failed attempt doesn't
		// lose work; the caller's retry sees the same batch again.
		r.requeue(remote, pre.ops)
		return nil, nil, false, err
	}

	if err := r.cfg.DB.SaveTokenChannel(tc); err != nil {
		return nil, nil, false, err
	}

	// Requests our own ledger recoverably refused never made it into mt;
	// their Cancels are owed to whichever friend is upstream of that
	// request_id (or the local payment layer, if we originated it).
	for _, co := range rejected {
		cancel := co.Operation.(*creditwire.McCancel)
		if err := r.dispatchBackwards(cancel.RequestID, co.Currency, co.Operation,
			func([32]byte) { r.cfg.PaymentSink.Cancelled(cancel.RequestID, cancel.ReportingKey) }); err != nil {
			return nil, nil, false, err
		}
	}

	var mutations []IndexMutation
	for c, st := range tc.Currencies {
		after := recvCapacity(st)
		prior := before[c]
		if after == prior {
			continue
		}
		if after.IsZero() {
			mutations = append(mutations, IndexMutation{
				Kind: IndexRemoveFriendCurrency, Remote: remote, Currency: c,
			})
			continue
		}
		mutations = append(mutations, IndexMutation{
			Kind: IndexUpdateFriendCurrency, Remote: remote, Currency: c, RecvCapacity: after,
		})
	}

	return mt, mutations, pre.tokenWanted, nil
}

// requeue pushes operations back onto the queue they were most likely drawn
// from. Best-effort: this path only runs after a local failure to build our
// own outbound batch, a condition the router's own bookkeeping caused
// (e.g. a stale currency limit), not something the wire protocol needs to
// recover from.
func (r *Router) requeue(remote creditwire.PublicKey, ops []creditwire.CurrencyOperation) {
	for _, op := range ops {
		kind := tcdb.QueueForwardedRequests
		switch o := op.Operation.(type) {
		case *creditwire.McResponse, *creditwire.McCancel:
			kind = tcdb.QueueBackwards
		case *creditwire.McRequest:
			if origin, ok := r.origins[o.RequestID]; ok && origin.upstream == nil {
				kind = tcdb.QueueUserRequests
			}
		}
		_ = r.cfg.DB.PushBack(remote, kind, op)
	}
}

// OriginateRequest queues a payment this node itself is initiating, towards
// the first hop on req.Route (which must be a direct friend). Its eventual
// Response/Cancel is delivered to PaymentSink rather than forwarded onward.
func (r *Router) OriginateRequest(currency creditwire.Currency, req *creditwire.McRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(req.Route.PublicKeys) == 0 || req.Route.PublicKeys[0] != r.cfg.SelfKey {
		return fmt.Errorf("router: route must start at self")
	}
	firstHop, isFinal, err := nextHopAfterSelf(req.Route, r.cfg.SelfKey)
	if err != nil || isFinal {
		return fmt.Errorf("router: route has no hop beyond self")
	}
	if !r.isPeer(firstHop) {
		return fmt.Errorf("router: first hop %s is not a direct friend", firstHop)
	}

	if req.RequestID == (creditwire.RequestID{}) {
		req.RequestID = creditwire.NewRequestID()
	}

	r.origins[req.RequestID] = &pendingOrigin{}

	return r.cfg.DB.PushBack(firstHop, tcdb.QueueUserRequests, creditwire.CurrencyOperation{
		Currency:  currency,
		Operation: req,
	})
}

// HandleIncoming applies an inbound MoveToken from remote and dispatches
// whatever it delivers (spec.md §4.3 "Incoming dispatch").
func (r *Router) HandleIncoming(remote creditwire.PublicKey,
	mt *creditwire.MoveToken) (*tokenchannel.InResult, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	tc, err := r.friendLocked(remote)
	if err != nil {
		return nil, err
	}

	result, err := tc.HandleInMoveToken(mt, r.cfg.Verifier)
	if err != nil {
		return nil, err
	}

	if err := r.cfg.DB.SaveTokenChannel(tc); err != nil {
		return nil, err
	}

	if result.Kind == tokenchannel.InApplied {
		// Rejected ops are owed straight back to remote, the friend that
		// sent this very batch: no origin lookup, since this is a same-hop
		// ledger decision rather than a relayed failure further upstream.
		for _, co := range result.Rejected {
			if err := r.cfg.DB.PushBack(remote, tcdb.QueueBackwards, co); err != nil {
				return nil, err
			}
		}
		if err := r.dispatchIncoming(remote, result.Incoming); err != nil {
			return nil, err
		}
	}

	return result, nil
}

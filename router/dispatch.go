package router

import (
	"github.com/creditmesh/tcd/creditwire"
	"github.com/creditmesh/tcd/tcdb"
)

// dispatchIncoming routes every operation an applied inbound batch delivered
// (spec.md §4.3 "Incoming dispatch"). Called with r.mu already held.
func (r *Router) dispatchIncoming(remote creditwire.PublicKey, ops []creditwire.CurrencyOperation) error {
	for _, co := range ops {
		switch op := co.Operation.(type) {
		case *creditwire.McRequest:
			if err := r.dispatchRequest(remote, co.Currency, op); err != nil {
				return err
			}
		case *creditwire.McResponse:
			if err := r.dispatchBackwards(op.RequestID, co.Currency, co.Operation,
				func(preimage [32]byte) { r.cfg.PaymentSink.Settled(op.RequestID, preimage) }); err != nil {
				return err
			}
		case *creditwire.McCancel:
			if err := r.dispatchBackwards(op.RequestID, co.Currency, co.Operation,
				func([32]byte) { r.cfg.PaymentSink.Cancelled(op.RequestID, op.ReportingKey) }); err != nil {
				return err
			}
		}
	}
	return nil
}

// dispatchRequest handles one inbound Request: surfaced locally if we are
// the final hop, forwarded onward with a FreezeLink annotation if we peer
// with the next hop, or bounced back as a Cancel otherwise.
func (r *Router) dispatchRequest(remote creditwire.PublicKey, currency creditwire.Currency,
	req *creditwire.McRequest) error {

	r.origins[req.RequestID] = &pendingOrigin{upstream: &remote}

	nextHop, isFinal, err := nextHopAfterSelf(req.Route, r.cfg.SelfKey)
	if err != nil || (!isFinal && !r.isPeer(nextHop)) {
		return r.cfg.DB.PushBack(remote, tcdb.QueueBackwards, creditwire.CurrencyOperation{
			Currency: currency,
			Operation: &creditwire.McCancel{
				RequestID:    req.RequestID,
				ReportingKey: r.cfg.SelfKey,
			},
		})
	}

	if isFinal {
		r.cfg.InvoiceSink.Received(currency, req)
		return nil
	}

	fl := r.freezeLink(remote, nextHop, currency)
	r.freezeLinks[req.RequestID] = fl

	return r.cfg.DB.PushBack(nextHop, tcdb.QueueForwardedRequests, creditwire.CurrencyOperation{
		Currency:  currency,
		Operation: req,
	})
}

// dispatchBackwards routes a Response/Cancel to whichever friend is
// upstream of the original Request, or to the local payment layer if this
// node originated that request itself.
func (r *Router) dispatchBackwards(id creditwire.RequestID, currency creditwire.Currency,
	op creditwire.Operation, onLocal func([32]byte)) error {

	origin, ok := r.origins[id]
	if !ok || origin.upstream == nil {
		var preimage [32]byte
		if resp, ok := op.(*creditwire.McResponse); ok {
			preimage = resp.SrcPlainLock
		}
		onLocal(preimage)
		delete(r.origins, id)
		delete(r.freezeLinks, id)
		return nil
	}

	upstream := *origin.upstream
	delete(r.origins, id)
	delete(r.freezeLinks, id)

	return r.cfg.DB.PushBack(upstream, tcdb.QueueBackwards, creditwire.CurrencyOperation{
		Currency:  currency,
		Operation: op,
	})
}

// nextHopAfterSelf finds self in the route and returns the following hop, or
// reports isFinal if self is the last hop.
func nextHopAfterSelf(route creditwire.Route, self creditwire.PublicKey) (next creditwire.PublicKey, isFinal bool, err error) {
	for i, pk := range route.PublicKeys {
		if pk != self {
			continue
		}
		if i == len(route.PublicKeys)-1 {
			return creditwire.PublicKey{}, true, nil
		}
		return route.PublicKeys[i+1], false, nil
	}
	return creditwire.PublicKey{}, false, errSelfNotOnRoute
}

func (r *Router) isPeer(remote creditwire.PublicKey) bool {
	_, ok := r.friends[remote]
	return ok
}

// freezeLink computes the DoS-mitigation trust bound attached (out of band,
// not part of the signed operation) to a forwarded request: how much of the
// shared credit line between us and the next hop this single chain may
// consume, scaled by how much of our own upstream trust budget it already
// used (spec.md §4.3). prev_trust is read off the upstream friend's
// configured remote limit (how much they trust us for); forward_trust and
// total_trust are read off the next hop's and the sum of all our friends'
// configured local limits for the currency — the store has no separate
// "trust" concept, so credit limits double as the trust metric.
func (r *Router) freezeLink(upstream, nextHop creditwire.PublicKey, currency creditwire.Currency) FreezeLink {
	var prevTrust, forwardTrust, totalTrust creditwire.Uint128

	if tc, ok := r.friends[upstream]; ok {
		if st, ok := tc.Currencies[currency]; ok {
			prevTrust = st.Limits.RemoteMaxDebt
		}
	}

	for pk, tc := range r.friends {
		st, ok := tc.Currencies[currency]
		if !ok {
			continue
		}
		totalTrust, _ = creditwire.AddChecked(totalTrust, st.Limits.LocalMaxDebt)
		if pk == nextHop {
			forwardTrust = st.Limits.LocalMaxDebt
		}
	}

	denominator, err := creditwire.SubChecked(totalTrust, prevTrust)
	if err != nil || denominator.IsZero() {
		return FreezeLink{SharedCredits: prevTrust}
	}

	// usable_ratio = (2^128 * forward_trust) / denominator, computed as a
	// 128-bit fixed-point ratio; forward_trust/denominator is at most 1 in
	// the well-formed case (the forwarded share can't exceed the whole),
	// so saturate rather than overflow on degenerate configurations.
	if forwardTrust.Cmp(denominator) >= 0 {
		return FreezeLink{SharedCredits: prevTrust, UsableRatio: creditwire.MaxUint128}
	}
	ratio := forwardTrust.Big()
	ratio.Lsh(ratio, 128)
	ratio.Div(ratio, denominator.Big())

	return FreezeLink{SharedCredits: prevTrust, UsableRatio: creditwire.Uint128FromBig(ratio)}
}

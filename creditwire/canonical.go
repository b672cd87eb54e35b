package creditwire

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// byteOrder is the preferred byte order for all fixed-width integer
// encodings in this package, matching channeldb's convention so cursor
// scans and hash inputs stay consistent across the codebase.
var byteOrder = binary.BigEndian

// This file is the single reference serializer spec.md §9(ii) requires: the
// byte layout of every canonical(...) buffer fed to hash() or a signature
// request is pinned here, and nowhere else, so both peers agree bit-exact.

func writeUint128(buf *bytes.Buffer, v Uint128) {
	var b [16]byte
	byteOrder.PutUint64(b[:8], v.Hi)
	byteOrder.PutUint64(b[8:], v.Lo)
	buf.Write(b[:])
}

func writeInt128(buf *bytes.Buffer, v Int128) {
	sign := byte(0)
	if v.Sign() < 0 {
		sign = 1
	}
	buf.WriteByte(sign)
	writeUint128(buf, v.mag)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	byteOrder.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func writeCurrency(buf *bytes.Buffer, c Currency) {
	writeBytes(buf, []byte(c))
}

// CanonicalTokenInfo serializes a TokenInfo the way it is hashed into
// InfoHash.
func CanonicalTokenInfo(info TokenInfo) []byte {
	var buf bytes.Buffer
	buf.Write(info.BalancesHash[:])
	writeUint128(&buf, info.MoveTokenCounter)
	return buf.Bytes()
}

// HashBalances computes balances_hash = H(sorted list of
// (H(currency_tag), balance)), the per-currency snapshot bound into every
// MoveToken's InfoHash.
func HashBalances(balances []CurrencyBalance) HashResult {
	sorted := make([]CurrencyBalance, len(balances))
	copy(sorted, balances)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Currency < sorted[j].Currency
	})

	var buf bytes.Buffer
	for _, cb := range sorted {
		tagHash := Hash([]byte(cb.Currency))
		buf.Write(tagHash[:])
		writeInt128(&buf, cb.Balance)
	}
	return Hash(buf.Bytes())
}

// HashTokenInfo computes info_hash = H(sender_pk || receiver_pk ||
// TokenInfo), per spec.md §4.2 step 4 / §6.
func HashTokenInfo(senderPK, receiverPK PublicKey, info TokenInfo) HashResult {
	var buf bytes.Buffer
	buf.Write(senderPK[:])
	buf.Write(receiverPK[:])
	buf.Write(CanonicalTokenInfo(info))
	return Hash(buf.Bytes())
}

// canonicalOperation serializes a single operation for inclusion in a
// MoveToken's signature buffer.
func canonicalOperation(op Operation) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(op.Kind()))
	id := op.ID()
	buf.Write(id[:])

	switch o := op.(type) {
	case *McRequest:
		buf.Write(o.SrcHashedLock[:])
		var rlen [4]byte
		byteOrder.PutUint32(rlen[:], uint32(len(o.Route.PublicKeys)))
		buf.Write(rlen[:])
		for _, pk := range o.Route.PublicKeys {
			buf.Write(pk[:])
		}
		writeUint128(&buf, o.DestPayment)
		writeUint128(&buf, o.TotalDestPayment)
		buf.Write(o.InvoiceHash[:])
		writeUint128(&buf, o.LeftFees)
	case *McResponse:
		buf.Write(o.SrcPlainLock[:])
		writeBytes(&buf, o.Signature)
	case *McCancel:
		buf.Write(o.ReportingKey[:])
	}
	return buf.Bytes()
}

// MoveTokenSignatureBuff is the canonical buffer a MoveToken's NewToken
// signs: every field of the token except NewToken itself, plus InfoHash.
func MoveTokenSignatureBuff(mt *MoveToken, infoHash HashResult) []byte {
	var buf bytes.Buffer
	writeBytes(&buf, mt.OldToken)

	var opsLen [4]byte
	byteOrder.PutUint32(opsLen[:], uint32(len(mt.CurrenciesOperations)))
	buf.Write(opsLen[:])
	for _, co := range mt.CurrenciesOperations {
		writeCurrency(&buf, co.Currency)
		buf.Write(canonicalOperation(co.Operation))
	}

	diff := make([]Currency, len(mt.CurrenciesDiff))
	copy(diff, mt.CurrenciesDiff)
	sort.Slice(diff, func(i, j int) bool { return diff[i] < diff[j] })
	var diffLen [4]byte
	byteOrder.PutUint32(diffLen[:], uint32(len(diff)))
	buf.Write(diffLen[:])
	for _, c := range diff {
		writeCurrency(&buf, c)
	}

	buf.Write(infoHash[:])
	return buf.Bytes()
}

// ResetTokenSignatureBuff is the canonical buffer a reset_token signs,
// binding it to the two participants and the counter it restarts the chain
// at.
func ResetTokenSignatureBuff(localPK, remotePK PublicKey, resetCounter Uint128) []byte {
	var buf bytes.Buffer
	buf.Write(localPK[:])
	buf.Write(remotePK[:])
	writeUint128(&buf, resetCounter)
	return buf.Bytes()
}

// ResponseSignatureBuff is the canonical buffer a Response's Signature
// signs, over the identifying fields of the request it settles.
func ResponseSignatureBuff(req *McRequest, resp *McResponse) []byte {
	var buf bytes.Buffer
	id := req.RequestID
	buf.Write(id[:])
	buf.Write(resp.SrcPlainLock[:])
	writeUint128(&buf, req.DestPayment)
	writeUint128(&buf, req.LeftFees)
	buf.Write(req.InvoiceHash[:])
	return buf.Bytes()
}

// HashMoveToken hashes a MoveToken in its entirety, NewToken included. Token
// channels use this to recognize a byte-identical retransmit of the message
// they are already holding as ConsistentIn's hash_in (spec.md §4.2 step 1).
func HashMoveToken(mt *MoveToken) HashResult {
	var buf bytes.Buffer
	writeBytes(&buf, mt.OldToken)
	var opsLen [4]byte
	byteOrder.PutUint32(opsLen[:], uint32(len(mt.CurrenciesOperations)))
	buf.Write(opsLen[:])
	for _, co := range mt.CurrenciesOperations {
		writeCurrency(&buf, co.Currency)
		buf.Write(canonicalOperation(co.Operation))
	}
	diff := make([]Currency, len(mt.CurrenciesDiff))
	copy(diff, mt.CurrenciesDiff)
	sort.Slice(diff, func(i, j int) bool { return diff[i] < diff[j] })
	var diffLen [4]byte
	byteOrder.PutUint32(diffLen[:], uint32(len(diff)))
	buf.Write(diffLen[:])
	for _, c := range diff {
		writeCurrency(&buf, c)
	}
	buf.Write(mt.InfoHash[:])
	writeBytes(&buf, mt.NewToken)
	return Hash(buf.Bytes())
}

// InitialTokenFromPublicKey produces the synthetic, non-signature "token"
// used only for genesis: the low key's initial OldToken and the high key's
// initial NewToken are each this function applied to one of the two real
// public keys, so both sides derive the same genesis without
// communication (spec.md §3 Lifecycle, §8 S1).
func InitialTokenFromPublicKey(pk PublicKey) Signature {
	return Signature(append([]byte{}, pk[:]...))
}

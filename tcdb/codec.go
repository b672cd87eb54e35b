package tcdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creditmesh/tcd/creditwire"
	"github.com/creditmesh/tcd/mutualcredit"
	"github.com/creditmesh/tcd/tokenchannel"
)

// byteOrder matches the convention used throughout the rest of this module's
// canonical encodings.
var byteOrder = binary.BigEndian

func writeVarBytes(w io.Writer, b []byte) error {
	var length [4]byte
	byteOrder.PutUint32(length[:], uint32(len(b)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readVarBytes(r io.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	n := byteOrder.Uint32(length[:])
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writePublicKey(w io.Writer, k creditwire.PublicKey) error {
	_, err := w.Write(k[:])
	return err
}

func readPublicKey(r io.Reader) (creditwire.PublicKey, error) {
	var k creditwire.PublicKey
	_, err := io.ReadFull(r, k[:])
	return k, err
}

func writeHash(w io.Writer, h creditwire.HashResult) error {
	_, err := w.Write(h[:])
	return err
}

func readHash(r io.Reader) (creditwire.HashResult, error) {
	var h creditwire.HashResult
	_, err := io.ReadFull(r, h[:])
	return h, err
}

func writeRequestID(w io.Writer, id creditwire.RequestID) error {
	_, err := w.Write(id[:])
	return err
}

func readRequestID(r io.Reader) (creditwire.RequestID, error) {
	var id creditwire.RequestID
	_, err := io.ReadFull(r, id[:])
	return id, err
}

func writeUint128(w io.Writer, v creditwire.Uint128) error {
	var buf [16]byte
	byteOrder.PutUint64(buf[:8], v.Hi)
	byteOrder.PutUint64(buf[8:], v.Lo)
	_, err := w.Write(buf[:])
	return err
}

func readUint128(r io.Reader) (creditwire.Uint128, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return creditwire.Uint128{}, err
	}
	return creditwire.Uint128{Hi: byteOrder.Uint64(buf[:8]), Lo: byteOrder.Uint64(buf[8:])}, nil
}

func writeInt128(w io.Writer, v creditwire.Int128) error {
	var neg byte
	if v.IsNeg() {
		neg = 1
	}
	if _, err := w.Write([]byte{neg}); err != nil {
		return err
	}
	return writeUint128(w, v.Mag())
}

func readInt128(r io.Reader) (creditwire.Int128, error) {
	var neg [1]byte
	if _, err := io.ReadFull(r, neg[:]); err != nil {
		return creditwire.Int128{}, err
	}
	mag, err := readUint128(r)
	if err != nil {
		return creditwire.Int128{}, err
	}
	return creditwire.Int128FromParts(neg[0] == 1, mag), nil
}

func writeCurrency(w io.Writer, c creditwire.Currency) error {
	return writeVarBytes(w, []byte(c))
}

func readCurrency(r io.Reader) (creditwire.Currency, error) {
	b, err := readVarBytes(r)
	if err != nil {
		return "", err
	}
	return creditwire.Currency(b), nil
}

func writeSignature(w io.Writer, s creditwire.Signature) error {
	return writeVarBytes(w, s)
}

func readSignature(r io.Reader) (creditwire.Signature, error) {
	b, err := readVarBytes(r)
	if err != nil {
		return nil, err
	}
	return creditwire.Signature(b), nil
}

func writeRoute(w io.Writer, route creditwire.Route) error {
	var n [4]byte
	byteOrder.PutUint32(n[:], uint32(len(route.PublicKeys)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	for _, k := range route.PublicKeys {
		if err := writePublicKey(w, k); err != nil {
			return err
		}
	}
	return nil
}

func readRoute(r io.Reader) (creditwire.Route, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return creditwire.Route{}, err
	}
	count := byteOrder.Uint32(n[:])
	keys := make([]creditwire.PublicKey, count)
	for i := range keys {
		k, err := readPublicKey(r)
		if err != nil {
			return creditwire.Route{}, err
		}
		keys[i] = k
	}
	return creditwire.Route{PublicKeys: keys}, nil
}

// writeOperation frames a creditwire.Operation with a one-byte kind tag,
// mirroring lnwire's message-type-prefixed framing.
func writeOperation(w io.Writer, op creditwire.Operation) error {
	if _, err := w.Write([]byte{byte(op.Kind())}); err != nil {
		return err
	}
	switch o := op.(type) {
	case *creditwire.McRequest:
		if err := writeRequestID(w, o.RequestID); err != nil {
			return err
		}
		if err := writeHash(w, o.SrcHashedLock); err != nil {
			return err
		}
		if err := writeRoute(w, o.Route); err != nil {
			return err
		}
		if err := writeUint128(w, o.DestPayment); err != nil {
			return err
		}
		if err := writeUint128(w, o.TotalDestPayment); err != nil {
			return err
		}
		if err := writeHash(w, o.InvoiceHash); err != nil {
			return err
		}
		return writeUint128(w, o.LeftFees)

	case *creditwire.McResponse:
		if err := writeRequestID(w, o.RequestID); err != nil {
			return err
		}
		if _, err := w.Write(o.SrcPlainLock[:]); err != nil {
			return err
		}
		return writeSignature(w, o.Signature)

	case *creditwire.McCancel:
		if err := writeRequestID(w, o.RequestID); err != nil {
			return err
		}
		return writePublicKey(w, o.ReportingKey)

	default:
		return fmt.Errorf("tcdb: unknown operation kind %v", op.Kind())
	}
}

func readOperation(r io.Reader) (creditwire.Operation, error) {
	var kind [1]byte
	if _, err := io.ReadFull(r, kind[:]); err != nil {
		return nil, err
	}

	switch creditwire.OpKind(kind[0]) {
	case creditwire.OpKindRequest:
		req := &creditwire.McRequest{}
		var err error
		if req.RequestID, err = readRequestID(r); err != nil {
			return nil, err
		}
		if req.SrcHashedLock, err = readHash(r); err != nil {
			return nil, err
		}
		if req.Route, err = readRoute(r); err != nil {
			return nil, err
		}
		if req.DestPayment, err = readUint128(r); err != nil {
			return nil, err
		}
		if req.TotalDestPayment, err = readUint128(r); err != nil {
			return nil, err
		}
		if req.InvoiceHash, err = readHash(r); err != nil {
			return nil, err
		}
		if req.LeftFees, err = readUint128(r); err != nil {
			return nil, err
		}
		return req, nil

	case creditwire.OpKindResponse:
		resp := &creditwire.McResponse{}
		var err error
		if resp.RequestID, err = readRequestID(r); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, resp.SrcPlainLock[:]); err != nil {
			return nil, err
		}
		if resp.Signature, err = readSignature(r); err != nil {
			return nil, err
		}
		return resp, nil

	case creditwire.OpKindCancel:
		cancel := &creditwire.McCancel{}
		var err error
		if cancel.RequestID, err = readRequestID(r); err != nil {
			return nil, err
		}
		if cancel.ReportingKey, err = readPublicKey(r); err != nil {
			return nil, err
		}
		return cancel, nil

	default:
		return nil, fmt.Errorf("tcdb: unknown operation kind byte %d", kind[0])
	}
}

func writeCurrencyOperation(w io.Writer, co creditwire.CurrencyOperation) error {
	if err := writeCurrency(w, co.Currency); err != nil {
		return err
	}
	return writeOperation(w, co.Operation)
}

func readCurrencyOperation(r io.Reader) (creditwire.CurrencyOperation, error) {
	c, err := readCurrency(r)
	if err != nil {
		return creditwire.CurrencyOperation{}, err
	}
	op, err := readOperation(r)
	if err != nil {
		return creditwire.CurrencyOperation{}, err
	}
	return creditwire.CurrencyOperation{Currency: c, Operation: op}, nil
}

func writeMoveToken(w io.Writer, mt *creditwire.MoveToken) error {
	hasToken := mt != nil
	flag := byte(0)
	if hasToken {
		flag = 1
	}
	if _, err := w.Write([]byte{flag}); err != nil {
		return err
	}
	if !hasToken {
		return nil
	}

	if err := writeSignature(w, mt.OldToken); err != nil {
		return err
	}
	var opCount [4]byte
	byteOrder.PutUint32(opCount[:], uint32(len(mt.CurrenciesOperations)))
	if _, err := w.Write(opCount[:]); err != nil {
		return err
	}
	for _, co := range mt.CurrenciesOperations {
		if err := writeCurrencyOperation(w, co); err != nil {
			return err
		}
	}
	var diffCount [4]byte
	byteOrder.PutUint32(diffCount[:], uint32(len(mt.CurrenciesDiff)))
	if _, err := w.Write(diffCount[:]); err != nil {
		return err
	}
	for _, c := range mt.CurrenciesDiff {
		if err := writeCurrency(w, c); err != nil {
			return err
		}
	}
	if err := writeHash(w, mt.InfoHash); err != nil {
		return err
	}
	return writeSignature(w, mt.NewToken)
}

func readMoveToken(r io.Reader) (*creditwire.MoveToken, error) {
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, err
	}
	if flag[0] == 0 {
		return nil, nil
	}

	mt := &creditwire.MoveToken{}
	var err error
	if mt.OldToken, err = readSignature(r); err != nil {
		return nil, err
	}

	var opCount [4]byte
	if _, err := io.ReadFull(r, opCount[:]); err != nil {
		return nil, err
	}
	ops := make([]creditwire.CurrencyOperation, byteOrder.Uint32(opCount[:]))
	for i := range ops {
		if ops[i], err = readCurrencyOperation(r); err != nil {
			return nil, err
		}
	}
	mt.CurrenciesOperations = ops

	var diffCount [4]byte
	if _, err := io.ReadFull(r, diffCount[:]); err != nil {
		return nil, err
	}
	diff := make([]creditwire.Currency, byteOrder.Uint32(diffCount[:]))
	for i := range diff {
		if diff[i], err = readCurrency(r); err != nil {
			return nil, err
		}
	}
	mt.CurrenciesDiff = diff

	if mt.InfoHash, err = readHash(r); err != nil {
		return nil, err
	}
	if mt.NewToken, err = readSignature(r); err != nil {
		return nil, err
	}
	return mt, nil
}

func writeResetTerms(w io.Writer, terms *creditwire.ResetTerms) error {
	present := byte(0)
	if terms != nil {
		present = 1
	}
	if _, err := w.Write([]byte{present}); err != nil {
		return err
	}
	if terms == nil {
		return nil
	}

	if err := writeSignature(w, terms.ResetToken); err != nil {
		return err
	}
	if err := writeUint128(w, terms.MoveTokenCounter); err != nil {
		return err
	}
	var count [4]byte
	byteOrder.PutUint32(count[:], uint32(len(terms.ResetBalances)))
	if _, err := w.Write(count[:]); err != nil {
		return err
	}
	for c, rb := range terms.ResetBalances {
		if err := writeCurrency(w, c); err != nil {
			return err
		}
		if err := writeInt128(w, rb.Balance); err != nil {
			return err
		}
		if err := writeUint128(w, rb.InFees); err != nil {
			return err
		}
		if err := writeUint128(w, rb.OutFees); err != nil {
			return err
		}
	}
	return nil
}

func readResetTerms(r io.Reader) (*creditwire.ResetTerms, error) {
	var present [1]byte
	if _, err := io.ReadFull(r, present[:]); err != nil {
		return nil, err
	}
	if present[0] == 0 {
		return nil, nil
	}

	terms := &creditwire.ResetTerms{ResetBalances: make(map[creditwire.Currency]creditwire.ResetBalance)}
	var err error
	if terms.ResetToken, err = readSignature(r); err != nil {
		return nil, err
	}
	if terms.MoveTokenCounter, err = readUint128(r); err != nil {
		return nil, err
	}
	var count [4]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, err
	}
	for i := uint32(0); i < byteOrder.Uint32(count[:]); i++ {
		c, err := readCurrency(r)
		if err != nil {
			return nil, err
		}
		var rb creditwire.ResetBalance
		if rb.Balance, err = readInt128(r); err != nil {
			return nil, err
		}
		if rb.InFees, err = readUint128(r); err != nil {
			return nil, err
		}
		if rb.OutFees, err = readUint128(r); err != nil {
			return nil, err
		}
		terms.ResetBalances[c] = rb
	}
	return terms, nil
}

func writeCurrencyLimits(w io.Writer, l tokenchannel.CurrencyLimits) error {
	if err := writeUint128(w, l.LocalMaxDebt); err != nil {
		return err
	}
	if err := writeUint128(w, l.RemoteMaxDebt); err != nil {
		return err
	}
	marked := byte(0)
	if l.MarkedForRemoval {
		marked = 1
	}
	_, err := w.Write([]byte{marked})
	return err
}

func readCurrencyLimits(r io.Reader) (tokenchannel.CurrencyLimits, error) {
	var l tokenchannel.CurrencyLimits
	var err error
	if l.LocalMaxDebt, err = readUint128(r); err != nil {
		return l, err
	}
	if l.RemoteMaxDebt, err = readUint128(r); err != nil {
		return l, err
	}
	var marked [1]byte
	if _, err := io.ReadFull(r, marked[:]); err != nil {
		return l, err
	}
	l.MarkedForRemoval = marked[0] == 1
	return l, nil
}

func writeRequestMap(w io.Writer, m map[creditwire.RequestID]*creditwire.McRequest) error {
	var count [4]byte
	byteOrder.PutUint32(count[:], uint32(len(m)))
	if _, err := w.Write(count[:]); err != nil {
		return err
	}
	for id, req := range m {
		if err := writeRequestID(w, id); err != nil {
			return err
		}
		if err := writeOperation(w, req); err != nil {
			return err
		}
	}
	return nil
}

func readRequestMap(r io.Reader) (map[creditwire.RequestID]*creditwire.McRequest, error) {
	var count [4]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, err
	}
	n := byteOrder.Uint32(count[:])
	m := make(map[creditwire.RequestID]*creditwire.McRequest, n)
	for i := uint32(0); i < n; i++ {
		id, err := readRequestID(r)
		if err != nil {
			return nil, err
		}
		op, err := readOperation(r)
		if err != nil {
			return nil, err
		}
		req, ok := op.(*creditwire.McRequest)
		if !ok {
			return nil, fmt.Errorf("tcdb: pending request entry is not a request operation")
		}
		m[id] = req
	}
	return m, nil
}

// serializeMutualCredit encodes a currency's ledger. The two public keys and
// the currency tag are not written: they are recoverable from the friend's
// and currency's bucket keys, and a ledger only ever exists in the bucket
// that already carries that context.
func serializeMutualCredit(mc *mutualcredit.MutualCredit) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeInt128(&buf, mc.Balance); err != nil {
		return nil, err
	}
	if err := writeUint128(&buf, mc.LocalPendingDebt); err != nil {
		return nil, err
	}
	if err := writeUint128(&buf, mc.RemotePendingDebt); err != nil {
		return nil, err
	}
	if err := writeUint128(&buf, mc.InFees); err != nil {
		return nil, err
	}
	if err := writeUint128(&buf, mc.OutFees); err != nil {
		return nil, err
	}
	if err := writeRequestMap(&buf, mc.PendingLocalRequests); err != nil {
		return nil, err
	}
	if err := writeRequestMap(&buf, mc.PendingRemoteRequests); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeMutualCredit(local, remote creditwire.PublicKey, currency creditwire.Currency,
	data []byte) (*mutualcredit.MutualCredit, error) {

	r := bytes.NewReader(data)
	mc := mutualcredit.New(local, remote, currency)

	var err error
	if mc.Balance, err = readInt128(r); err != nil {
		return nil, err
	}
	if mc.LocalPendingDebt, err = readUint128(r); err != nil {
		return nil, err
	}
	if mc.RemotePendingDebt, err = readUint128(r); err != nil {
		return nil, err
	}
	if mc.InFees, err = readUint128(r); err != nil {
		return nil, err
	}
	if mc.OutFees, err = readUint128(r); err != nil {
		return nil, err
	}
	if mc.PendingLocalRequests, err = readRequestMap(r); err != nil {
		return nil, err
	}
	if mc.PendingRemoteRequests, err = readRequestMap(r); err != nil {
		return nil, err
	}
	return mc, nil
}

// serializeCurrencyState encodes everything but the ledger itself, which is
// stored under its own key inside the friend's mc sub-bucket so the two can
// be read independently (a currency can be active without a ledger yet).
func serializeCurrencyState(st *tokenchannel.CurrencyState) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCurrencyLimits(&buf, st.Limits); err != nil {
		return nil, err
	}
	activeLocal, activeRemote := byte(0), byte(0)
	if st.ActiveLocal {
		activeLocal = 1
	}
	if st.ActiveRemote {
		activeRemote = 1
	}
	if _, err := buf.Write([]byte{activeLocal, activeRemote}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeCurrencyState(data []byte) (*tokenchannel.CurrencyState, error) {
	r := bytes.NewReader(data)
	st := &tokenchannel.CurrencyState{}

	limits, err := readCurrencyLimits(r)
	if err != nil {
		return nil, err
	}
	st.Limits = limits

	var flags [2]byte
	if _, err := io.ReadFull(r, flags[:]); err != nil {
		return nil, err
	}
	st.ActiveLocal = flags[0] == 1
	st.ActiveRemote = flags[1] == 1
	return st, nil
}

// serializeSnapshot encodes a tokenchannel.Snapshot plus the exported status
// and counter fields that travel alongside it in the friend's "tc" key.
func serializeSnapshot(status tokenchannel.Status, counter creditwire.Uint128,
	snap tokenchannel.Snapshot) ([]byte, error) {

	var buf bytes.Buffer
	if _, err := buf.Write([]byte{byte(status)}); err != nil {
		return nil, err
	}
	if err := writeUint128(&buf, counter); err != nil {
		return nil, err
	}
	if err := writeHash(&buf, snap.LastIncomingHash); err != nil {
		return nil, err
	}
	if err := writeSignature(&buf, snap.LastIncomingToken); err != nil {
		return nil, err
	}
	if err := writeMoveToken(&buf, snap.LastOutgoingMoveToken); err != nil {
		return nil, err
	}
	if err := writeResetTerms(&buf, snap.LocalResetTerms); err != nil {
		return nil, err
	}
	if err := writeResetTerms(&buf, snap.RemoteResetTerms); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeSnapshot(data []byte) (tokenchannel.Status, creditwire.Uint128, tokenchannel.Snapshot, error) {
	r := bytes.NewReader(data)
	var snap tokenchannel.Snapshot

	var statusByte [1]byte
	if _, err := io.ReadFull(r, statusByte[:]); err != nil {
		return 0, creditwire.Uint128{}, snap, err
	}
	status := tokenchannel.Status(statusByte[0])

	counter, err := readUint128(r)
	if err != nil {
		return 0, creditwire.Uint128{}, snap, err
	}
	if snap.LastIncomingHash, err = readHash(r); err != nil {
		return 0, creditwire.Uint128{}, snap, err
	}
	if snap.LastIncomingToken, err = readSignature(r); err != nil {
		return 0, creditwire.Uint128{}, snap, err
	}
	if snap.LastOutgoingMoveToken, err = readMoveToken(r); err != nil {
		return 0, creditwire.Uint128{}, snap, err
	}
	if snap.LocalResetTerms, err = readResetTerms(r); err != nil {
		return 0, creditwire.Uint128{}, snap, err
	}
	if snap.RemoteResetTerms, err = readResetTerms(r); err != nil {
		return 0, creditwire.Uint128{}, snap, err
	}
	return status, counter, snap, nil
}

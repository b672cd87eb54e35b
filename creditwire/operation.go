package creditwire

// OpKind discriminates the three operation variants a currency's operation
// log can carry. Mirrors the lnwire message-type tag convention, but kept as
// a small sealed interface rather than a byte-framed message since framing
// of the operation payload itself is delegated (see canonical.go).
type OpKind uint8

const (
	OpKindRequest OpKind = iota
	OpKindResponse
	OpKindCancel
)

func (k OpKind) String() string {
	switch k {
	case OpKindRequest:
		return "request"
	case OpKindResponse:
		return "response"
	case OpKindCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Operation is the sealed sum type carried in a MoveToken's
// currencies_operations list.
type Operation interface {
	Kind() OpKind
	ID() RequestID
}

// McRequest is a RequestSendFunds-equivalent operation: a new payment
// reservation traveling forward along a route.
type McRequest struct {
	RequestID         RequestID
	SrcHashedLock     HashResult
	Route             Route
	DestPayment       Uint128
	TotalDestPayment  Uint128
	InvoiceHash       HashResult
	LeftFees          Uint128
}

func (r *McRequest) Kind() OpKind   { return OpKindRequest }
func (r *McRequest) ID() RequestID  { return r.RequestID }

// McResponse settles a pending request with the plaintext preimage of its
// source lock, signed by the original destination.
type McResponse struct {
	RequestID    RequestID
	SrcPlainLock [32]byte
	Signature    Signature
}

func (r *McResponse) Kind() OpKind  { return OpKindResponse }
func (r *McResponse) ID() RequestID { return r.RequestID }

// McCancel aborts a pending request without moving balance. ReportingKey
// names the hop that originated the cancellation, surfaced to the payer so a
// cancelled payment can report which hop refused it (spec.md §7); it is the
// zero PublicKey when the cancel was not attributed to a specific hop.
type McCancel struct {
	RequestID    RequestID
	ReportingKey PublicKey
}

func (c *McCancel) Kind() OpKind  { return OpKindCancel }
func (c *McCancel) ID() RequestID { return c.RequestID }

// CurrencyOperation pairs an operation with the currency ledger it applies
// to; a single MoveToken batches operations across every shared currency.
type CurrencyOperation struct {
	Currency  Currency
	Operation Operation
}

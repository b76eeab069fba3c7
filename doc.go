// Package fly402 implements machine-payable HTTP: a server answers an
// unpaid request to a protected resource with 402 Payment Required and a
// [PaymentRequest] challenge, and a client pays it by signing and
// broadcasting a ledger transfer, then retries with a
// [PaymentAuthorization] attached.
//
// # Server
//
// Build a [Processor] over a [ledger.Client], then a [Guard] from an
// explicit [Config], and wrap handlers with [Guard.Protect]. The guard
// issues single-use references, verifies every authorization against
// ledger state through [Processor.VerifyPayment] and exposes the
// settled payment to the handler through [PaymentFromContext].
//
// # Client
//
// [Client] is the mechanism: [Client.Do] surfaces challenges and
// [Client.PayAndRetry] pays one on request. [AutoClient] is the policy:
// it pays automatically, refuses amounts above its ceiling, makes at most
// one payment per call and bounds the whole exchange with one deadline.
//
// ## How it works
//
//   - The agent calls a protected URL and receives a 402 challenge with a fresh reference.
//   - The agent transfers the exact amount to the recipient with the reference as memo and waits for confirmation.
//   - The agent retries with the X-Payment-Authorization header.
//   - The server re-derives amount, recipient, asset and settlement time from the ledger, consumes the reference and serves the request.
//
// [ledger.Client]: https://pkg.go.dev/github.com/fly402/fly402-go/ledger#Client
package fly402

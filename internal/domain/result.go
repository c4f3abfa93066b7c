package domain

import "fmt"

type ResultKind string

const (
	ResultError         ResultKind = "ERROR"
	ResultLimit         ResultKind = "LIMIT"
	ResultMarket        ResultKind = "MARKET"
	ResultPartialMarket ResultKind = "PARTIAL_MARKET"
	ResultUpdate        ResultKind = "UPDATE"
	ResultCancel        ResultKind = "CANCEL"
)

// Resting reports whether the operation leaves the order in a limit queue.
func (k ResultKind) Resting() bool {
	return k == ResultLimit || k == ResultPartialMarket || k == ResultUpdate
}

// ExecutionResult is what every book operation returns, failed or not.
type ExecutionResult struct {
	Kind          ResultKind `json:"kind"`
	Success       bool       `json:"success"`
	OrderID       string     `json:"order_id"`
	ClientOrderID string     `json:"client_order_id"`
	Messages      []string   `json:"messages"`
	Fills         []Trade    `json:"fills"`
}

func NewResult(kind ResultKind, orderID, clientOrderID string) *ExecutionResult {
	return &ExecutionResult{Kind: kind, OrderID: orderID, ClientOrderID: clientOrderID}
}

func (r *ExecutionResult) AddMessage(format string, args ...any) {
	r.Messages = append(r.Messages, fmt.Sprintf(format, args...))
}

// Fail marks the result failed and records err as a message. It returns err
// so callers can write `return res, res.Fail(err)`.
func (r *ExecutionResult) Fail(err error) error {
	r.Success = false
	r.Messages = append(r.Messages, err.Error())
	return err
}

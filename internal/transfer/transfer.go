// Package transfer is the money-transfer use case: a two-step saga that
// debits the sender and credits the receiver, with full compensation.
package transfer

import (
	"fmt"

	"github.com/google/uuid"
)

// DataType tags transfer snapshots in the saga store.
const DataType = "transfer"

// maxTransferCents is the screening ceiling; transfers above it are
// rejected before any money moves to the receiver.
const maxTransferCents int64 = 10_000_000

// Data is the business payload of one transfer saga. Amounts are minor
// units.
type Data struct {
	SagaID      uuid.UUID `json:"SagaId"`
	FromUserID  string    `json:"FromUserId"`
	ToUserID    string    `json:"ToUserId"`
	AmountCents int64     `json:"Amount"`
}

// NewData constructs the payload for a fresh transfer saga.
func NewData(sagaID uuid.UUID, fromUserID, toUserID string, amountCents int64) Data {
	return Data{
		SagaID:      sagaID,
		FromUserID:  fromUserID,
		ToUserID:    toUserID,
		AmountCents: amountCents,
	}
}

func transferData(data any) (*Data, error) {
	switch d := data.(type) {
	case *Data:
		return d, nil
	case Data:
		return &d, nil
	default:
		return nil, fmt.Errorf("unexpected saga data type %T", data)
	}
}

func stepLockKey(stepName string, sagaID uuid.UUID) string {
	return fmt.Sprintf("%s_Step_Lock_%s", stepName, sagaID)
}

func debitKey(sagaID uuid.UUID) string {
	return fmt.Sprintf("Debit_%s", sagaID)
}

func creditKey(sagaID uuid.UUID) string {
	return fmt.Sprintf("Credit_%s", sagaID)
}

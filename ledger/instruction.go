package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/oapi-codegen/runtime"
)

// InstructionType discriminates [Instruction] variants.
type InstructionType string

const (
	InstructionTransfer InstructionType = "transfer"
	InstructionMemo     InstructionType = "memo"
)

// Instruction is a tagged union of the instruction variants a payment
// transaction may carry. The "type" member selects the variant.
type Instruction struct {
	union json.RawMessage
}

// TransferInstruction moves Amount base units of Asset from Source to
// Destination. Source must be the transaction's fee payer.
type TransferInstruction struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Asset       string `json:"asset"`
	Amount      uint64 `json:"amount,string"`
}

// MemoInstruction attaches opaque text to a transaction.
type MemoInstruction struct {
	Memo string `json:"memo"`
}

// NewTransferInstruction wraps v as an [Instruction].
func NewTransferInstruction(v TransferInstruction) (Instruction, error) {
	var ins Instruction
	err := ins.FromTransfer(v)
	return ins, err
}

// NewMemoInstruction wraps memo as an [Instruction].
func NewMemoInstruction(memo string) (Instruction, error) {
	var ins Instruction
	err := ins.FromMemo(MemoInstruction{Memo: memo})
	return ins, err
}

// Discriminator returns the variant tag of the union.
func (t Instruction) Discriminator() (InstructionType, error) {
	var discriminator struct {
		Type InstructionType `json:"type"`
	}
	err := json.Unmarshal(t.union, &discriminator)
	return discriminator.Type, err
}

// AsTransfer returns the union data as a TransferInstruction.
func (t Instruction) AsTransfer() (TransferInstruction, error) {
	var body TransferInstruction
	if err := t.expect(InstructionTransfer); err != nil {
		return body, err
	}
	err := json.Unmarshal(t.union, &body)
	return body, err
}

// FromTransfer overwrites the union data with the provided TransferInstruction.
func (t *Instruction) FromTransfer(v TransferInstruction) error {
	return t.from(InstructionTransfer, v)
}

// AsMemo returns the union data as a MemoInstruction.
func (t Instruction) AsMemo() (MemoInstruction, error) {
	var body MemoInstruction
	if err := t.expect(InstructionMemo); err != nil {
		return body, err
	}
	err := json.Unmarshal(t.union, &body)
	return body, err
}

// FromMemo overwrites the union data with the provided MemoInstruction.
func (t *Instruction) FromMemo(v MemoInstruction) error {
	return t.from(InstructionMemo, v)
}

// MarshalJSON serializes the underlying union.
func (t Instruction) MarshalJSON() ([]byte, error) {
	b, err := t.union.MarshalJSON()
	return b, err
}

// UnmarshalJSON loads union data.
func (t *Instruction) UnmarshalJSON(b []byte) error {
	err := t.union.UnmarshalJSON(b)
	return err
}

func (t *Instruction) from(typ InstructionType, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tag, err := json.Marshal(map[string]InstructionType{"type": typ})
	if err != nil {
		return err
	}
	merged, err := runtime.JSONMerge(b, tag)
	t.union = merged
	return err
}

func (t Instruction) expect(want InstructionType) error {
	got, err := t.Discriminator()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("ledger: instruction is %q, not %q", got, want)
	}
	return nil
}

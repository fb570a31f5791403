package storage

import "fmt"

type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

func (k OpKind) Valid() bool {
	switch k {
	case OpInsert, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// Op is one mutating step of a Transaction.
type Op struct {
	Kind  OpKind
	Table string
	Data  Record
	Where Predicate
}

func InsertOp(table string, data Record) Op {
	return Op{Kind: OpInsert, Table: table, Data: data}
}

func UpdateOp(table string, partial Record, where Predicate) Op {
	return Op{Kind: OpUpdate, Table: table, Data: partial, Where: where}
}

func DeleteOp(table string, where Predicate) Op {
	return Op{Kind: OpDelete, Table: table, Where: where}
}

func (o Op) Validate() error {
	if !o.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, o.Kind)
	}
	if o.Table == "" {
		return fmt.Errorf("%w: table is required", ErrInvalidOp)
	}
	return nil
}

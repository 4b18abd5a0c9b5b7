package coordination

import (
	"context"
	"errors"
	"path"
	"strings"
)

// EnsurePath creates every missing persistent ancestor of p, in order, the
// way Curator's EnsurePath does for a real ZooKeeper client -- Create does
// not create intermediate nodes itself. p itself is not created; callers
// Create or Transaction it afterward.
func EnsurePath(ctx context.Context, store Store, p string) error {
	p = path.Clean("/" + strings.TrimPrefix(p, "/"))
	parent := path.Dir(p)
	if parent == "/" || parent == "." {
		return nil
	}

	var ancestors []string
	for cur := parent; cur != "/" && cur != "."; cur = path.Dir(cur) {
		ancestors = append(ancestors, cur)
	}
	for i := len(ancestors) - 1; i >= 0; i-- {
		if err := store.Create(ctx, ancestors[i], nil, Persistent); err != nil && !errors.Is(err, ErrExists) {
			return err
		}
	}
	return nil
}

// OpKind discriminates the operations a Transaction can batch atomically.
type OpKind int

const (
	OpAssertExists OpKind = iota
	OpAssertAbsent
	OpCreate
	OpSet
	OpDelete
)

// Op is one step of a Transaction. All ops in a Transaction apply
// atomically: either every op succeeds or the store is left unchanged,
// per spec section 4.2.
type Op struct {
	Kind    OpKind
	Path    string
	Data    []byte
	Mode    Mode
	Version int64 // used by OpDelete; -1 means "any version"
}

// AssertExists fails the transaction if path does not exist.
func AssertExists(path string) Op { return Op{Kind: OpAssertExists, Path: path} }

// AssertAbsent fails the transaction if path exists.
func AssertAbsent(path string) Op { return Op{Kind: OpAssertAbsent, Path: path} }

// CreateOp adds a Create step to a transaction.
func CreateOp(path string, data []byte, mode Mode) Op {
	return Op{Kind: OpCreate, Path: path, Data: data, Mode: mode}
}

// SetOp adds a Set step to a transaction.
func SetOp(path string, data []byte) Op {
	return Op{Kind: OpSet, Path: path, Data: data}
}

// DeleteOp adds a Delete step to a transaction. version -1 matches any
// version.
func DeleteOp(path string, version int64) Op {
	return Op{Kind: OpDelete, Path: path, Version: version}
}

package shell

import (
	"github.com/conure-db/conure-bptree/db"
)

// Backend is what the shell drives: an in-process DB or a remote server.
type Backend interface {
	// Create adds a tree and returns the fanout it was given. A fanout
	// below 1 selects the backend's default.
	Create(name string, fanout int) (int, error)
	Names() ([]string, error)
	Insert(tree string, key int64, value uint64) error
	Delete(tree string, key int64) (bool, error)
	Search(tree string, key int64) (uint64, bool, error)
	Range(tree string, lo, hi int64) ([]db.Entry, error)
	BreadthFirst(tree string) ([]int64, error)
	FullScan(tree string) ([]int64, error)
	Reset(tree string) error
	Clear(tree string) error
	Persist(tree string) error
	Load(tree string) error
}

// Local runs shell commands against an in-process DB.
type Local struct {
	DB *db.DB
}

var _ Backend = Local{}

func (l Local) Create(name string, fanout int) (int, error) {
	tree, err := l.DB.Create(name, fanout)
	if err != nil {
		return 0, err
	}
	return tree.Fanout(), nil
}

func (l Local) Names() ([]string, error) { return l.DB.Names(), nil }

func (l Local) Insert(tree string, key int64, value uint64) error {
	return l.DB.Insert(tree, key, value)
}

func (l Local) Delete(tree string, key int64) (bool, error) { return l.DB.Delete(tree, key) }

func (l Local) Search(tree string, key int64) (uint64, bool, error) {
	return l.DB.Search(tree, key)
}

func (l Local) Range(tree string, lo, hi int64) ([]db.Entry, error) {
	return l.DB.Range(tree, lo, hi)
}

func (l Local) BreadthFirst(tree string) ([]int64, error) { return l.DB.BreadthFirst(tree) }
func (l Local) FullScan(tree string) ([]int64, error)     { return l.DB.FullScan(tree) }
func (l Local) Reset(tree string) error                   { return l.DB.Reset(tree) }
func (l Local) Clear(tree string) error                   { return l.DB.Clear(tree) }
func (l Local) Persist(tree string) error                 { return l.DB.Persist(tree) }

func (l Local) Load(tree string) error {
	_, err := l.DB.Load(tree)
	return err
}
